// Package batch encodes and decodes Kafka record batches (magic v2).
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/twmb/franz-go/pkg/kbin"
)

const (
	// HeaderSize is the fixed part of a batch preceding its records.
	HeaderSize = 61

	magicV2 = 2

	attrCompressionMask = 0x07
	attrLogAppendTime   = 0x08
	attrControl         = 0x20

	offsetLength = 8
	offsetEpoch  = 12
	offsetMagic  = 16
	offsetCRC    = 17
	offsetAttrs  = 21

	// recordOverhead bounds the varint framing of a record without headers.
	recordOverhead = 21
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	ErrCorrupt          = errors.New("batch: crc mismatch")
	ErrUnsupportedMagic = errors.New("batch: unsupported record batch magic")
)

// EstimateSize is an upper bound of the encoded size of rec inside a batch.
func EstimateSize(rec kafka.Record) int {
	n := recordOverhead + len(rec.Key) + len(rec.Value)
	for _, h := range rec.Headers {
		n += 10 + len(h.Key) + len(h.Value)
	}
	return n
}

// Encode serialises recs into a single record batch with base offset 0.
// Zero timestamps must be filled in by the caller.
func Encode(recs []kafka.Record, codec kafka.Compression) ([]byte, error) {
	if len(recs) == 0 {
		return nil, errors.New("batch: no records")
	}

	first := recs[0].Timestamp.UnixMilli()
	maxTs := first
	size := 0
	for _, r := range recs {
		if ts := r.Timestamp.UnixMilli(); ts > maxTs {
			maxTs = ts
		}
		size += EstimateSize(r)
	}

	body := make([]byte, 0, size)
	var scratch []byte
	for i, r := range recs {
		scratch = appendRecordBody(scratch[:0], r, r.Timestamp.UnixMilli()-first, int32(i))
		body = kbin.AppendVarint(body, int32(len(scratch)))
		body = append(body, scratch...)
	}

	body, err := Compress(codec, body)
	if err != nil {
		return nil, fmt.Errorf("batch: compress %s: %w", codec, err)
	}

	dst := make([]byte, 0, HeaderSize+len(body))
	dst = kbin.AppendInt64(dst, 0)
	dst = kbin.AppendInt32(dst, 0)
	dst = kbin.AppendInt32(dst, -1)
	dst = kbin.AppendInt8(dst, magicV2)
	dst = kbin.AppendInt32(dst, 0)
	dst = kbin.AppendInt16(dst, int16(codec)&attrCompressionMask)
	dst = kbin.AppendInt32(dst, int32(len(recs)-1))
	dst = kbin.AppendInt64(dst, first)
	dst = kbin.AppendInt64(dst, maxTs)
	dst = kbin.AppendInt64(dst, -1)
	dst = kbin.AppendInt16(dst, -1)
	dst = kbin.AppendInt32(dst, -1)
	dst = kbin.AppendInt32(dst, int32(len(recs)))
	dst = append(dst, body...)

	binary.BigEndian.PutUint32(dst[offsetLength:], uint32(len(dst)-offsetEpoch))
	binary.BigEndian.PutUint32(dst[offsetCRC:], crc32.Checksum(dst[offsetAttrs:], castagnoli))
	return dst, nil
}

func appendRecordBody(dst []byte, r kafka.Record, tsDelta int64, offsetDelta int32) []byte {
	dst = kbin.AppendInt8(dst, 0)
	dst = kbin.AppendVarlong(dst, tsDelta)
	dst = kbin.AppendVarint(dst, offsetDelta)
	dst = appendVarintBytes(dst, r.Key)
	dst = appendVarintBytes(dst, r.Value)
	dst = kbin.AppendVarint(dst, int32(len(r.Headers)))
	for _, h := range r.Headers {
		dst = kbin.AppendVarint(dst, int32(len(h.Key)))
		dst = append(dst, h.Key...)
		dst = appendVarintBytes(dst, h.Value)
	}
	return dst
}

func appendVarintBytes(dst, b []byte) []byte {
	if b == nil {
		return kbin.AppendVarint(dst, -1)
	}
	dst = kbin.AppendVarint(dst, int32(len(b)))
	return append(dst, b...)
}

// Decode parses every complete batch in a fetched record set. A truncated
// trailing batch, which brokers send when a fetch hits its byte limit, is
// dropped silently. Control batches are skipped. Returned slices alias data.
func Decode(topic string, partition int32, data []byte) ([]kafka.ConsumerRecord, error) {
	var out []kafka.ConsumerRecord
	for len(data) >= offsetEpoch {
		length := int(int32(binary.BigEndian.Uint32(data[offsetLength:])))
		total := offsetEpoch + length
		if length <= 0 || total > len(data) {
			break
		}
		raw := data[:total]
		data = data[total:]

		if total < HeaderSize {
			return out, fmt.Errorf("batch: %d byte batch is shorter than its header", total)
		}
		if raw[offsetMagic] != magicV2 {
			return out, fmt.Errorf("%w %d", ErrUnsupportedMagic, raw[offsetMagic])
		}
		if crc32.Checksum(raw[offsetAttrs:], castagnoli) != binary.BigEndian.Uint32(raw[offsetCRC:]) {
			return out, ErrCorrupt
		}

		recs, err := decodeBatch(topic, partition, raw)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// NextOffset returns the offset following the last complete batch in data,
// control batches included, or -1 when data holds no complete batch.
func NextOffset(data []byte) int64 {
	next := int64(-1)
	for len(data) >= HeaderSize {
		length := int(int32(binary.BigEndian.Uint32(data[offsetLength:])))
		total := offsetEpoch + length
		if length <= 0 || total > len(data) {
			break
		}
		base := int64(binary.BigEndian.Uint64(data))
		lastDelta := int32(binary.BigEndian.Uint32(data[offsetAttrs+2:]))
		next = base + int64(lastDelta) + 1
		data = data[total:]
	}
	return next
}

func decodeBatch(topic string, partition int32, raw []byte) ([]kafka.ConsumerRecord, error) {
	baseOffset := int64(binary.BigEndian.Uint64(raw))
	leaderEpoch := int32(binary.BigEndian.Uint32(raw[offsetEpoch:]))

	h := kbin.Reader{Src: raw[offsetAttrs:]}
	attrs := h.Int16()
	h.Int32() // last offset delta
	firstTs := h.Int64()
	maxTs := h.Int64()
	h.Int64() // producer id
	h.Int16() // producer epoch
	h.Int32() // base sequence
	numRecords := h.Int32()
	if !h.Ok() {
		return nil, errors.New("batch: truncated header")
	}
	if attrs&attrControl != 0 {
		return nil, nil
	}

	body, err := Decompress(kafka.Compression(attrs&attrCompressionMask), h.Src)
	if err != nil {
		return nil, fmt.Errorf("batch: decompress: %w", err)
	}

	recs := make([]kafka.ConsumerRecord, 0, max(numRecords, 0))
	r := kbin.Reader{Src: body}
	for i := int32(0); i < numRecords; i++ {
		l := r.Varint()
		rec := kbin.Reader{Src: r.Span(int(l))}
		if !r.Ok() {
			return nil, fmt.Errorf("batch: record %d of %d truncated", i, numRecords)
		}

		rec.Int8()
		tsDelta := rec.Varlong()
		offsetDelta := rec.Varint()
		key := readVarintBytes(&rec)
		value := readVarintBytes(&rec)
		n := rec.Varint()
		var headers []kafka.Header
		if n > 0 {
			headers = make([]kafka.Header, 0, n)
		}
		for j := int32(0); j < n && rec.Ok(); j++ {
			hk := readVarintBytes(&rec)
			hv := readVarintBytes(&rec)
			headers = append(headers, kafka.Header{Key: string(hk), Value: hv})
		}
		if !rec.Ok() {
			return nil, fmt.Errorf("batch: record %d malformed", i)
		}

		ts := firstTs + tsDelta
		if attrs&attrLogAppendTime != 0 {
			ts = maxTs
		}
		recs = append(
			recs, kafka.ConsumerRecord{
				Key:         key,
				Value:       value,
				Headers:     headers,
				Topic:       topic,
				Partition:   partition,
				Offset:      baseOffset + int64(offsetDelta),
				LeaderEpoch: leaderEpoch,
				Timestamp:   time.UnixMilli(ts),
			},
		)
	}
	return recs, nil
}

func readVarintBytes(r *kbin.Reader) []byte {
	l := r.Varint()
	switch {
	case l < 0:
		return nil
	case l == 0:
		return []byte{}
	}
	return r.Span(int(l))
}

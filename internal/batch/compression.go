package batch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdEncErr  error

	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
	zstdDecErr  error
)

// xerialHeader prefixes snappy data framed by the Java client's xerial codec.
var xerialHeader = []byte{0x82, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

// Compress encodes src with codec.
func Compress(codec kafka.Compression, src []byte) ([]byte, error) {
	switch codec {
	case kafka.CompressionNone:
		return src, nil
	case kafka.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case kafka.CompressionSnappy:
		return s2.EncodeSnappy(nil, src), nil
	case kafka.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case kafka.CompressionZstd:
		zstdEncOnce.Do(func() { zstdEnc, zstdEncErr = zstd.NewWriter(nil) })
		if zstdEncErr != nil {
			return nil, zstdEncErr
		}
		return zstdEnc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("batch: unsupported compression codec %d", codec)
	}
}

// Decompress decodes src that was compressed with codec.
func Decompress(codec kafka.Compression, src []byte) ([]byte, error) {
	switch codec {
	case kafka.CompressionNone:
		return src, nil
	case kafka.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case kafka.CompressionSnappy:
		if bytes.HasPrefix(src, xerialHeader) {
			return decodeXerial(src)
		}
		return s2.Decode(nil, src)
	case kafka.CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	case kafka.CompressionZstd:
		zstdDecOnce.Do(func() { zstdDec, zstdDecErr = zstd.NewReader(nil) })
		if zstdDecErr != nil {
			return nil, zstdDecErr
		}
		return zstdDec.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("batch: unsupported compression codec %d", codec)
	}
}

// decodeXerial unwraps xerial framing: the 8-byte magic, two int32 versions,
// then repeated int32 length-prefixed snappy blocks.
func decodeXerial(src []byte) ([]byte, error) {
	if len(src) < len(xerialHeader)+8 {
		return nil, errors.New("batch: truncated xerial header")
	}
	src = src[len(xerialHeader)+8:]
	var out []byte
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, errors.New("batch: truncated xerial chunk length")
		}
		n := int(binary.BigEndian.Uint32(src))
		src = src[4:]
		if n > len(src) {
			return nil, errors.New("batch: truncated xerial chunk")
		}
		chunk, err := s2.Decode(nil, src[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		src = src[n:]
	}
	return out, nil
}

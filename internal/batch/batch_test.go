//go:build unit

package batch_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/batch"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/stretchr/testify/require"
)

func testRecords(ts time.Time) []kafka.Record {
	return []kafka.Record{
		{Topic: "t", Key: []byte("k1"), Value: []byte("v1"), Timestamp: ts},
		{Topic: "t", Key: nil, Value: []byte{}, Timestamp: ts.Add(5 * time.Millisecond)},
		{
			Topic:     "t",
			Key:       []byte("k3"),
			Value:     nil,
			Timestamp: ts.Add(10 * time.Millisecond),
			Headers: []kafka.Header{
				{Key: "a", Value: []byte("1")},
				{Key: "a", Value: []byte("2")},
				{Key: "nil", Value: nil},
			},
		},
	}
}

// withBaseOffset sets the base offset of an encoded batch the way a broker does on append.
func withBaseOffset(b []byte, base int64) []byte {
	binary.BigEndian.PutUint64(b, uint64(base))
	return b
}

func TestEncodeDecode_AllCodecs(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	codecs := []kafka.Compression{
		kafka.CompressionNone,
		kafka.CompressionGzip,
		kafka.CompressionSnappy,
		kafka.CompressionLZ4,
		kafka.CompressionZstd,
	}

	for _, codec := range codecs {
		t.Run(
			codec.String(), func(t *testing.T) {
				raw, err := batch.Encode(testRecords(ts), codec)
				require.NoError(t, err)
				raw = withBaseOffset(raw, 40)

				recs, err := batch.Decode("t", 3, raw)
				require.NoError(t, err)
				require.Len(t, recs, 3)

				require.Equal(t, int64(40), recs[0].Offset)
				require.Equal(t, int64(41), recs[1].Offset)
				require.Equal(t, int64(42), recs[2].Offset)
				require.Equal(t, int32(3), recs[0].Partition)
				require.Equal(t, "t", recs[0].Topic)

				require.Equal(t, []byte("k1"), recs[0].Key)
				require.Equal(t, []byte("v1"), recs[0].Value)
				require.Nil(t, recs[1].Key, "null key stays null")
				require.NotNil(t, recs[1].Value, "empty value stays empty")
				require.Empty(t, recs[1].Value)
				require.Nil(t, recs[2].Value)

				require.Equal(
					t, []kafka.Header{
						{Key: "a", Value: []byte("1")},
						{Key: "a", Value: []byte("2")},
						{Key: "nil", Value: nil},
					}, recs[2].Headers,
				)
				require.True(t, recs[0].Timestamp.Equal(ts))
				require.True(t, recs[2].Timestamp.Equal(ts.Add(10*time.Millisecond)))
			},
		)
	}
}

func TestEncode_Empty(t *testing.T) {
	_, err := batch.Encode(nil, kafka.CompressionNone)
	require.Error(t, err)
}

func TestDecode_DropsTruncatedTail(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	first, err := batch.Encode(testRecords(ts), kafka.CompressionNone)
	require.NoError(t, err)
	second, err := batch.Encode(testRecords(ts), kafka.CompressionNone)
	require.NoError(t, err)

	data := append(withBaseOffset(first, 0), withBaseOffset(second, 3)[:len(second)-7]...)

	recs, err := batch.Decode("t", 0, data)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, int64(3), batch.NextOffset(data))
}

func TestDecode_MultipleBatches(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	first, err := batch.Encode(testRecords(ts), kafka.CompressionNone)
	require.NoError(t, err)
	second, err := batch.Encode(testRecords(ts)[:1], kafka.CompressionLZ4)
	require.NoError(t, err)

	data := append(withBaseOffset(first, 10), withBaseOffset(second, 13)...)

	recs, err := batch.Decode("t", 0, data)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	require.Equal(t, int64(13), recs[3].Offset)
	require.Equal(t, int64(14), batch.NextOffset(data))
}

func TestDecode_CorruptCRC(t *testing.T) {
	raw, err := batch.Encode(testRecords(time.Now()), kafka.CompressionNone)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xff

	_, err = batch.Decode("t", 0, raw)
	require.ErrorIs(t, err, batch.ErrCorrupt)
}

func TestDecode_UnsupportedMagic(t *testing.T) {
	raw, err := batch.Encode(testRecords(time.Now()), kafka.CompressionNone)
	require.NoError(t, err)

	raw[16] = 1

	_, err = batch.Decode("t", 0, raw)
	require.ErrorIs(t, err, batch.ErrUnsupportedMagic)
}

func TestNextOffset_Empty(t *testing.T) {
	require.Equal(t, int64(-1), batch.NextOffset(nil))
	require.Equal(t, int64(-1), batch.NextOffset(make([]byte, 20)))
}

func TestEstimateSize_IsUpperBound(t *testing.T) {
	recs := testRecords(time.Now())
	raw, err := batch.Encode(recs, kafka.CompressionNone)
	require.NoError(t, err)

	estimate := batch.HeaderSize
	for _, r := range recs {
		estimate += batch.EstimateSize(r)
	}
	require.GreaterOrEqual(t, estimate, len(raw))
}

func TestCompressDecompress_UnknownCodec(t *testing.T) {
	_, err := batch.Compress(kafka.Compression(7), []byte("x"))
	require.Error(t, err)
	_, err = batch.Decompress(kafka.Compression(7), []byte("x"))
	require.Error(t, err)
}

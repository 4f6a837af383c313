package kafka

import "fmt"

// Acks is the number of acknowledgements the partition leader waits for before answering a produce request.
type Acks int16

const (
	AcksNone   Acks = 0
	AcksLeader Acks = 1
	AcksAll    Acks = -1
)

func (a Acks) String() string {
	switch a {
	case AcksNone:
		return "none"
	case AcksLeader:
		return "leader"
	case AcksAll:
		return "all"
	default:
		return fmt.Sprintf("acks(%d)", int16(a))
	}
}

// Compression is the codec applied to a record batch. The values match the
// codec bits of the batch attributes.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", int8(c))
	}
}

// ParseCompression maps a codec name to its Compression value.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression codec %q", s)
	}
}

// OffsetReset picks the starting offset when no committed offset exists or the
// committed one is out of range.
type OffsetReset int8

const (
	OffsetResetEarliest OffsetReset = iota
	OffsetResetLatest
	OffsetResetNone
)

func (r OffsetReset) String() string {
	switch r {
	case OffsetResetEarliest:
		return "earliest"
	case OffsetResetLatest:
		return "latest"
	case OffsetResetNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseOffsetReset maps "earliest", "latest" or "none" to an OffsetReset.
func ParseOffsetReset(s string) (OffsetReset, error) {
	switch s {
	case "earliest", "smallest", "beginning":
		return OffsetResetEarliest, nil
	case "latest", "largest", "end":
		return OffsetResetLatest, nil
	case "none", "error":
		return OffsetResetNone, nil
	default:
		return OffsetResetEarliest, fmt.Errorf("unknown auto offset reset %q", s)
	}
}

package serde

import (
	"encoding/binary"
	"fmt"
)

type int64Serde struct{}

// Int64 encodes integers as 8 big-endian bytes, the Java client's LongSerializer format.
func Int64() Serde[int64] {
	return int64Serde{}
}

func (s int64Serde) Serialise(_ string, value int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(value)), nil
}

func (s int64Serde) Deserialise(_ string, data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("serde: int64 needs 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

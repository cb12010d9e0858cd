package hlc

import (
	"encoding/binary"
	"fmt"
)

// Timestamp is a hybrid logical clock reading. Ordering is
// lexicographic on (PhysicalMillis, Logical, NodeID), which makes the
// node identifier the tie-breaker for concurrent writes.
type Timestamp struct {
	PhysicalMillis int64  `msgpack:"physicalMillis"`
	Logical        uint32 `msgpack:"logical"`
	NodeID         string `msgpack:"nodeId"`
}

// Compare returns -1, 0 or 1 as t orders before, equal to or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.PhysicalMillis != other.PhysicalMillis {
		if t.PhysicalMillis < other.PhysicalMillis {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	if t.NodeID != other.NodeID {
		if t.NodeID < other.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t orders strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.PhysicalMillis == 0 && t.Logical == 0 && t.NodeID == ""
}

// Bytes returns a fixed-prefix binary form used in record fingerprints.
// Big-endian so byte order matches timestamp order for the numeric part.
func (t Timestamp) Bytes() []byte {
	buf := make([]byte, 12, 12+len(t.NodeID))
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.PhysicalMillis))
	binary.BigEndian.PutUint32(buf[8:12], t.Logical)
	return append(buf, t.NodeID...)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d,%s)", t.PhysicalMillis, t.Logical, t.NodeID)
}

package storage

import "math"

// Metadata is the server-internal bookkeeping attached to every record.
// It never crosses the wire; on reload from the data store it is
// reconstructed fresh. OnAccess, OnUpdate and OnStore are the only
// mutators and saturate instead of overflowing.
type Metadata struct {
	Version          int64
	CreationTime     int64
	LastAccessTime   int64
	LastUpdateTime   int64
	LastStoredTime   int64
	Hits             int64
	Cost             int64
	ExpirationMillis int64
}

// NewMetadata initializes metadata for a record created or reloaded at
// nowMillis.
func NewMetadata(nowMillis, cost int64) Metadata {
	return Metadata{
		Version:        1,
		CreationTime:   nowMillis,
		LastAccessTime: nowMillis,
		LastUpdateTime: nowMillis,
		LastStoredTime: nowMillis,
		Cost:           cost,
	}
}

// IsDirty reports whether the record has an update not yet persisted.
func (m *Metadata) IsDirty() bool {
	return m.LastUpdateTime > m.LastStoredTime
}

// OnAccess records a read.
func (m *Metadata) OnAccess(nowMillis int64) {
	if nowMillis > m.LastAccessTime {
		m.LastAccessTime = nowMillis
	}
	m.Hits = saturatingAdd(m.Hits, 1)
}

// OnUpdate records a mutation with the record's new cost.
func (m *Metadata) OnUpdate(nowMillis, cost int64) {
	m.Version = saturatingAdd(m.Version, 1)
	next := nowMillis
	// Clock stalls must still flip dirty on and keep update times
	// monotonic per record.
	if next <= m.LastUpdateTime {
		next = saturatingAdd(m.LastUpdateTime, 1)
	}
	if next <= m.LastStoredTime {
		next = saturatingAdd(m.LastStoredTime, 1)
	}
	m.LastUpdateTime = next
	m.Cost = cost
}

// OnStore records a successful persist of the current state.
func (m *Metadata) OnStore(nowMillis int64) {
	if nowMillis > m.LastUpdateTime {
		m.LastStoredTime = nowMillis
	} else {
		m.LastStoredTime = m.LastUpdateTime
	}
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}

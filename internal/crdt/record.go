package crdt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TopGunBuild/topgun/internal/hlc"
)

// RecordKind discriminates the replicated value strategies.
type RecordKind string

const (
	RecordLww          RecordKind = "lww"
	RecordOrMap        RecordKind = "orMap"
	RecordOrTombstones RecordKind = "orTombstones"
)

// OrMapEntry is one tagged entry of an observed-remove map. The tag is
// unique per add, so concurrent adds never collide and a remove only
// affects the adds it has observed.
type OrMapEntry struct {
	Value     Value         `msgpack:"value"`
	Tag       string        `msgpack:"tag"`
	Timestamp hlc.Timestamp `msgpack:"timestamp"`
}

// RecordValue is the replicated state of one key: either a last-write-
// wins register or an observed-remove map with its tombstone set. A
// record whose entries have all been removed degenerates to the
// orTombstones kind, which persists only the observed-remove evidence.
type RecordValue struct {
	Kind       RecordKind    `msgpack:"kind"`
	Value      Value         `msgpack:"value,omitempty"`
	Timestamp  hlc.Timestamp `msgpack:"timestamp,omitempty"`
	Entries    []OrMapEntry  `msgpack:"entries,omitempty"`
	Tombstones []string      `msgpack:"tombstones,omitempty"`
}

// NewLww creates a last-write-wins record.
func NewLww(value Value, ts hlc.Timestamp) *RecordValue {
	return &RecordValue{Kind: RecordLww, Value: value, Timestamp: ts}
}

// NewOrMap creates an observed-remove record with a single entry.
func NewOrMap(value Value, tag string, ts hlc.Timestamp) *RecordValue {
	return &RecordValue{Kind: RecordOrMap, Entries: []OrMapEntry{{Value: value, Tag: tag, Timestamp: ts}}}
}

func (r *RecordValue) isObservedRemove() bool {
	return r.Kind == RecordOrMap || r.Kind == RecordOrTombstones
}

// MergeLww folds in a write with the given timestamp. Returns true when
// the visible state changed. Ties on the full timestamp (including node
// id) are idempotent re-deliveries and change nothing.
func (r *RecordValue) MergeLww(value Value, ts hlc.Timestamp) (bool, error) {
	if r.Kind != RecordLww {
		return false, fmt.Errorf("lww write against %s record", r.Kind)
	}
	if ts.Compare(r.Timestamp) <= 0 {
		return false, nil
	}
	r.Value = value
	r.Timestamp = ts
	return true, nil
}

// OrAdd folds in a tagged add. Re-delivery of a known or tombstoned tag
// is a no-op.
func (r *RecordValue) OrAdd(value Value, tag string, ts hlc.Timestamp) (bool, error) {
	if !r.isObservedRemove() {
		return false, fmt.Errorf("observed-remove add against %s record", r.Kind)
	}
	if r.hasTombstone(tag) {
		return false, nil
	}
	for _, e := range r.Entries {
		if e.Tag == tag {
			return false, nil
		}
	}
	r.Entries = append(r.Entries, OrMapEntry{Value: value, Tag: tag, Timestamp: ts})
	r.Kind = RecordOrMap
	return true, nil
}

// OrRemove tombstones a tag and drops its entry. Removing an unobserved
// tag still records the tombstone so a late add of that tag stays dead.
func (r *RecordValue) OrRemove(tag string) (bool, error) {
	if !r.isObservedRemove() {
		return false, fmt.Errorf("observed-remove delete against %s record", r.Kind)
	}
	if r.hasTombstone(tag) {
		return false, nil
	}
	r.Tombstones = append(r.Tombstones, tag)
	for i, e := range r.Entries {
		if e.Tag == tag {
			r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
			break
		}
	}
	if len(r.Entries) == 0 {
		r.Kind = RecordOrTombstones
	}
	return true, nil
}

// Merge folds a full remote record state into r. The operation is
// commutative, associative and idempotent; it returns true when the
// local state changed.
func (r *RecordValue) Merge(other *RecordValue) (bool, error) {
	if other == nil {
		return false, nil
	}
	if r.Kind == RecordLww || other.Kind == RecordLww {
		if r.Kind != other.Kind {
			return false, fmt.Errorf("cannot merge %s record with %s record", r.Kind, other.Kind)
		}
		return r.MergeLww(other.Value, other.Timestamp)
	}

	changed := false
	for _, tag := range other.Tombstones {
		if !r.hasTombstone(tag) {
			r.Tombstones = append(r.Tombstones, tag)
			for i, e := range r.Entries {
				if e.Tag == tag {
					r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
					break
				}
			}
			changed = true
		}
	}
	for _, e := range other.Entries {
		if r.hasTombstone(e.Tag) {
			continue
		}
		if ok, _ := r.OrAdd(e.Value, e.Tag, e.Timestamp); ok {
			changed = true
		}
	}
	if len(r.Entries) == 0 && len(r.Tombstones) > 0 {
		r.Kind = RecordOrTombstones
	} else if len(r.Entries) > 0 {
		r.Kind = RecordOrMap
	}
	return changed, nil
}

func (r *RecordValue) hasTombstone(tag string) bool {
	for _, t := range r.Tombstones {
		if t == tag {
			return true
		}
	}
	return false
}

// PruneTombstones drops tombstones that every replica has observed, as
// reported by the per-tag high-water tracker. Returns the number pruned.
func (r *RecordValue) PruneTombstones(observedEverywhere func(tag string) bool) int {
	if !r.isObservedRemove() || len(r.Tombstones) == 0 {
		return 0
	}
	kept := r.Tombstones[:0]
	pruned := 0
	for _, tag := range r.Tombstones {
		if observedEverywhere(tag) {
			pruned++
		} else {
			kept = append(kept, tag)
		}
	}
	r.Tombstones = kept
	return pruned
}

// LatestTimestamp returns the greatest timestamp carried by the record,
// used for fingerprints and anti-entropy supersession checks.
func (r *RecordValue) LatestTimestamp() hlc.Timestamp {
	if r.Kind == RecordLww {
		return r.Timestamp
	}
	var max hlc.Timestamp
	for _, e := range r.Entries {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max
}

// Canonical returns deterministic msgpack bytes: entries sorted by tag,
// tombstones sorted, sub-maps sorted by key. Two converged replicas
// produce byte-equal canonical encodings.
func (r *RecordValue) Canonical() ([]byte, error) {
	clone := RecordValue{Kind: r.Kind, Value: r.Value, Timestamp: r.Timestamp}
	if len(r.Entries) > 0 {
		clone.Entries = append([]OrMapEntry(nil), r.Entries...)
		sort.Slice(clone.Entries, func(i, j int) bool { return clone.Entries[i].Tag < clone.Entries[j].Tag })
	}
	if len(r.Tombstones) > 0 {
		clone.Tombstones = append([]string(nil), r.Tombstones...)
		sort.Strings(clone.Tombstones)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeString(string(clone.Kind)); err != nil {
		return nil, err
	}
	switch clone.Kind {
	case RecordLww:
		canonical, err := clone.Value.Canonical()
		if err != nil {
			return nil, err
		}
		if err := enc.EncodeBytes(canonical); err != nil {
			return nil, err
		}
		if err := enc.EncodeBytes(clone.Timestamp.Bytes()); err != nil {
			return nil, err
		}
	default:
		if err := enc.EncodeArrayLen(len(clone.Entries)); err != nil {
			return nil, err
		}
		for _, e := range clone.Entries {
			canonical, err := e.Value.Canonical()
			if err != nil {
				return nil, err
			}
			if err := enc.EncodeString(e.Tag); err != nil {
				return nil, err
			}
			if err := enc.EncodeBytes(canonical); err != nil {
				return nil, err
			}
			if err := enc.EncodeBytes(e.Timestamp.Bytes()); err != nil {
				return nil, err
			}
		}
		if err := enc.EncodeArrayLen(len(clone.Tombstones)); err != nil {
			return nil, err
		}
		for _, tag := range clone.Tombstones {
			if err := enc.EncodeString(tag); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy safe to hand to observers and replicas.
func (r *RecordValue) Clone() *RecordValue {
	if r == nil {
		return nil
	}
	clone := &RecordValue{Kind: r.Kind, Value: r.Value, Timestamp: r.Timestamp}
	if len(r.Entries) > 0 {
		clone.Entries = append([]OrMapEntry(nil), r.Entries...)
	}
	if len(r.Tombstones) > 0 {
		clone.Tombstones = append([]string(nil), r.Tombstones...)
	}
	return clone
}

// EstimateCost approximates the record's in-memory footprint in bytes.
func (r *RecordValue) EstimateCost() int64 {
	const overhead = 48
	switch r.Kind {
	case RecordLww:
		return overhead + r.Value.EstimateCost()
	default:
		total := int64(overhead)
		for _, e := range r.Entries {
			total += int64(len(e.Tag)) + 24 + e.Value.EstimateCost()
		}
		for _, tag := range r.Tombstones {
			total += int64(len(tag))
		}
		return total
	}
}

// Encode serializes the record to wire msgpack.
func (r *RecordValue) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeRecordValue parses wire msgpack produced by Encode.
func DecodeRecordValue(data []byte) (*RecordValue, error) {
	var r RecordValue
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

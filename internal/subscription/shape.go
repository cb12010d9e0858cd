// Package subscription implements sync shapes: the per-client filter,
// projection and row limit that gate which records a client may see. A
// record is never delivered to a client unless it matches that client's
// shape for the map.
package subscription

import (
	"github.com/TopGunBuild/topgun/internal/crdt"
)

// Predicate filter operators. Comparison operators evaluate against a
// named field of map-kind values; and/or/not combine children.
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpGt     = "gt"
	OpLt     = "lt"
	OpExists = "exists"
	OpAnd    = "and"
	OpOr     = "or"
	OpNot    = "not"
)

// Predicate is a filter over record values.
type Predicate struct {
	Op       string      `msgpack:"op"`
	Field    string      `msgpack:"field,omitempty"`
	Value    *crdt.Value `msgpack:"value,omitempty"`
	Children []Predicate `msgpack:"children,omitempty"`
}

// Matches evaluates the predicate against one value.
func (p *Predicate) Matches(v crdt.Value) bool {
	switch p.Op {
	case OpAnd:
		for i := range p.Children {
			if !p.Children[i].Matches(v) {
				return false
			}
		}
		return true
	case OpOr:
		for i := range p.Children {
			if p.Children[i].Matches(v) {
				return true
			}
		}
		return false
	case OpNot:
		return len(p.Children) == 1 && !p.Children[0].Matches(v)
	case OpExists:
		_, ok := v.Field(p.Field)
		return ok
	case OpEq, OpNe, OpGt, OpLt:
		field, ok := v.Field(p.Field)
		if !ok || p.Value == nil {
			return false
		}
		return compare(p.Op, field, *p.Value)
	}
	return false
}

func compare(op string, a, b crdt.Value) bool {
	switch op {
	case OpEq:
		return a.Equal(b)
	case OpNe:
		return !a.Equal(b)
	}

	// gt/lt over homogeneous scalar kinds only.
	if a.Kind() != b.Kind() {
		return false
	}
	var cmp int
	switch a.Kind() {
	case crdt.KindInt:
		switch {
		case a.Int() < b.Int():
			cmp = -1
		case a.Int() > b.Int():
			cmp = 1
		}
	case crdt.KindFloat:
		switch {
		case a.Float() < b.Float():
			cmp = -1
		case a.Float() > b.Float():
			cmp = 1
		}
	case crdt.KindString:
		switch {
		case a.Str() < b.Str():
			cmp = -1
		case a.Str() > b.Str():
			cmp = 1
		}
	default:
		return false
	}
	if op == OpGt {
		return cmp > 0
	}
	return cmp < 0
}

// Shape is one client's view over a map.
type Shape struct {
	Map    string     `msgpack:"map"`
	Where  *Predicate `msgpack:"where,omitempty"`
	Fields []string   `msgpack:"fields,omitempty"`
	Limit  int        `msgpack:"limit,omitempty"`
}

// Matches reports whether a record state is visible through the shape.
// Observed-remove records are visible when any live entry matches.
func (s *Shape) Matches(record *crdt.RecordValue) bool {
	if record == nil {
		return false
	}
	if s.Where == nil {
		return true
	}
	switch record.Kind {
	case crdt.RecordLww:
		return s.Where.Matches(record.Value)
	case crdt.RecordOrMap:
		for _, e := range record.Entries {
			if s.Where.Matches(e.Value) {
				return true
			}
		}
	}
	return false
}

// Project narrows a value to the shape's field list. Values that are
// not maps, and shapes without a projection, pass through unchanged.
func (s *Shape) Project(v crdt.Value) crdt.Value {
	if len(s.Fields) == 0 || v.Kind() != crdt.KindMap {
		return v
	}
	keep := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		keep[f] = true
	}
	var entries []crdt.MapEntry
	for _, e := range v.Entries() {
		if keep[e.Key] {
			entries = append(entries, e)
		}
	}
	return crdt.Map(entries...)
}

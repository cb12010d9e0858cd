package operation

import (
	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/subscription"
)

// Origin identifies who submitted an operation.
type Origin string

const (
	OriginClient   Origin = "client"
	OriginPeer     Origin = "peer"
	OriginInternal Origin = "internal"
)

// Kind is the operation discriminator; values are the camelCase wire
// tags.
type Kind string

const (
	KindGet             Kind = "get"
	KindPut             Kind = "put"
	KindDelete          Kind = "delete"
	KindOrAdd           Kind = "orAdd"
	KindOrRemove        Kind = "orRemove"
	KindSubscribe       Kind = "subscribe"
	KindUnsubscribe     Kind = "unsubscribe"
	KindGarbageCollect  Kind = "garbageCollect"
	KindAntiEntropySync Kind = "antiEntropySync"
	KindReplicateWrite  Kind = "replicateWrite"
)

// RequestContext is threaded through every pipeline stage for audit,
// isolation and log correlation.
type RequestContext struct {
	NodeID    string `msgpack:"nodeId"`
	TenantID  string `msgpack:"tenantId,omitempty"`
	Principal string `msgpack:"principal,omitempty"`
	TraceID   string `msgpack:"traceId"`
}

// Context carries the per-call metadata the pipeline and partition
// actors act on.
type Context struct {
	CallID            string `msgpack:"callId"`
	PartitionID       int    `msgpack:"partitionId"`
	ServiceName       string `msgpack:"serviceName"`
	CallerOrigin      Origin `msgpack:"callerOrigin"`
	ClientID          string `msgpack:"clientId,omitempty"`
	CallerNodeID      string `msgpack:"callerNodeId,omitempty"`
	TimestampMillis   int64  `msgpack:"timestampMillis"`
	CallTimeoutMillis int64  `msgpack:"callTimeoutMillis"`
}

// Operation is one classified, routable unit of work.
type Operation struct {
	Kind    Kind
	Map     string
	Key     string
	Value   crdt.Value
	Tag     string
	Record  *crdt.RecordValue
	Shape   *subscription.Shape
	SubID   string
	Context Context
	Request RequestContext
}

// Result is one operation outcome, returned to the caller positionally
// for batch requests.
type Result struct {
	CallID   string            `msgpack:"callId"`
	OK       bool              `msgpack:"ok"`
	Record   *crdt.RecordValue `msgpack:"record,omitempty"`
	Changed  bool              `msgpack:"changed,omitempty"`
	ErrKind  string            `msgpack:"errKind,omitempty"`
	ErrMsg   string            `msgpack:"errMsg,omitempty"`
}

// OkResult builds a success result.
func OkResult(callID string, record *crdt.RecordValue, changed bool) *Result {
	return &Result{CallID: callID, OK: true, Record: record, Changed: changed}
}

// ErrResult converts a pipeline error into a client-visible result
// carrying the stable error kind.
func ErrResult(callID string, err error) *Result {
	var kind errors.Kind
	var msg string
	if e, ok := err.(*errors.Error); ok {
		kind = e.Kind
		msg = e.Message
	} else {
		kind = errors.KindOf(err)
		msg = err.Error()
	}
	return &Result{CallID: callID, ErrKind: string(kind), ErrMsg: msg}
}

// Envelope is the wire form of one submitted operation. Field names are
// part of the protocol.
type Envelope struct {
	CallID        string             `msgpack:"callId,omitempty"`
	Service       string             `msgpack:"service"`
	Type          string             `msgpack:"type"`
	Map           string             `msgpack:"map,omitempty"`
	Key           string             `msgpack:"key,omitempty"`
	Value         *crdt.Value        `msgpack:"value,omitempty"`
	Tag           string             `msgpack:"tag,omitempty"`
	Record        *crdt.RecordValue  `msgpack:"record,omitempty"`
	Timestamp     *hlc.Timestamp     `msgpack:"timestamp,omitempty"`
	Shape         *subscription.Shape `msgpack:"shape,omitempty"`
	SubID         string             `msgpack:"subId,omitempty"`
	TimeoutMillis int64              `msgpack:"timeoutMillis,omitempty"`
	TenantID      string             `msgpack:"tenantId,omitempty"`
}

package operation

import (
	"github.com/google/uuid"

	"github.com/TopGunBuild/topgun/internal/cluster"
	"github.com/TopGunBuild/topgun/internal/errors"
)

// Services that the node exposes. Anything else fails classification.
const (
	ServiceCrdt    = "crdt"
	ServiceCluster = "cluster"
	ServiceAdmin   = "admin"
)

var knownServices = map[string]bool{
	ServiceCrdt:    true,
	ServiceCluster: true,
	ServiceAdmin:   true,
}

// kindsByService pins each operation kind to the service allowed to
// carry it.
var kindsByService = map[Kind]string{
	KindGet:             ServiceCrdt,
	KindPut:             ServiceCrdt,
	KindDelete:          ServiceCrdt,
	KindOrAdd:           ServiceCrdt,
	KindOrRemove:        ServiceCrdt,
	KindSubscribe:       ServiceCrdt,
	KindUnsubscribe:     ServiceCrdt,
	KindReplicateWrite:  ServiceCluster,
	KindAntiEntropySync: ServiceCluster,
	KindGarbageCollect:  ServiceAdmin,
}

// peerOnly operations may not originate from clients.
var peerOnly = map[Kind]bool{
	KindReplicateWrite:  true,
	KindAntiEntropySync: true,
}

// Classifier turns validated wire envelopes into typed operations with
// a populated operation context.
type Classifier struct {
	nodeID               string
	partitionCount       int
	defaultTimeoutMillis int64
}

func NewClassifier(nodeID string, partitionCount int, defaultTimeoutMillis int64) *Classifier {
	if partitionCount <= 0 {
		partitionCount = cluster.DefaultPartitionCount
	}
	return &Classifier{
		nodeID:               nodeID,
		partitionCount:       partitionCount,
		defaultTimeoutMillis: defaultTimeoutMillis,
	}
}

// Classify validates the envelope and builds the Operation. The origin
// comes from the transport, never from the envelope.
func (c *Classifier) Classify(env *Envelope, origin Origin, clientID string, nowMillis int64) (*Operation, error) {
	if env.Service == "" {
		return nil, errors.MissingField("service")
	}
	if !knownServices[env.Service] {
		return nil, errors.UnknownService(env.Service).WithCallID(env.CallID)
	}
	if env.Type == "" {
		return nil, errors.MissingField("type")
	}

	kind := Kind(env.Type)
	service, known := kindsByService[kind]
	if !known {
		return nil, errors.BadEncoding(nil).WithDetail("type", env.Type).WithCallID(env.CallID)
	}
	if service != env.Service {
		return nil, errors.UnknownService(env.Service).
			WithDetail("type", env.Type).WithCallID(env.CallID)
	}
	if peerOnly[kind] && origin == OriginClient {
		return nil, errors.UnauthorizedOrigin(string(origin)).
			WithDetail("type", env.Type).WithCallID(env.CallID)
	}
	if kind == KindGarbageCollect && origin == OriginClient {
		return nil, errors.UnauthorizedOrigin(string(origin)).
			WithDetail("type", env.Type).WithCallID(env.CallID)
	}

	if err := c.validateFields(kind, env); err != nil {
		return nil, err
	}

	callID := env.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	timeout := env.TimeoutMillis
	if timeout <= 0 {
		timeout = c.defaultTimeoutMillis
	}

	op := &Operation{
		Kind:  kind,
		Map:   env.Map,
		Key:   env.Key,
		Tag:   env.Tag,
		SubID: env.SubID,
		Shape: env.Shape,
		Context: Context{
			CallID:            callID,
			PartitionID:       -1,
			ServiceName:       env.Service,
			CallerOrigin:      origin,
			ClientID:          clientID,
			TimestampMillis:   nowMillis,
			CallTimeoutMillis: timeout,
		},
		Request: RequestContext{
			NodeID:   c.nodeID,
			TenantID: env.TenantID,
			TraceID:  uuid.NewString(),
		},
	}
	if env.Value != nil {
		op.Value = *env.Value
	}
	if env.Record != nil {
		op.Record = env.Record
	}
	if env.Key != "" {
		op.Context.PartitionID = cluster.PartitionFor(env.Key, c.partitionCount)
	}
	return op, nil
}

func (c *Classifier) validateFields(kind Kind, env *Envelope) error {
	switch kind {
	case KindGet, KindDelete:
		if env.Map == "" {
			return errors.MissingField("map")
		}
		if env.Key == "" {
			return errors.MissingField("key")
		}
	case KindPut, KindOrAdd:
		if env.Map == "" {
			return errors.MissingField("map")
		}
		if env.Key == "" {
			return errors.MissingField("key")
		}
		if env.Value == nil {
			return errors.MissingField("value")
		}
	case KindOrRemove:
		if env.Map == "" {
			return errors.MissingField("map")
		}
		if env.Key == "" {
			return errors.MissingField("key")
		}
		if env.Tag == "" {
			return errors.MissingField("tag")
		}
	case KindSubscribe:
		if env.SubID == "" {
			return errors.MissingField("subId")
		}
		if env.Shape == nil {
			return errors.MissingField("shape")
		}
		if env.Shape.Map == "" {
			return errors.MissingField("shape.map")
		}
	case KindUnsubscribe:
		if env.SubID == "" {
			return errors.MissingField("subId")
		}
	case KindReplicateWrite:
		if env.Map == "" {
			return errors.MissingField("map")
		}
		if env.Key == "" {
			return errors.MissingField("key")
		}
		if env.Record == nil {
			return errors.MissingField("record")
		}
	}
	return nil
}

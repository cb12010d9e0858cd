package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TopGunBuild/topgun/internal/crdt"
	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/hlc"
	"github.com/TopGunBuild/topgun/internal/merkle"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/store"
)

// nodeHeader carries the sending node's id on peer-to-peer requests;
// its presence is what makes a request peer-originated.
const nodeHeader = "X-Topgun-Node"

const contentTypeMsgpack = "application/msgpack"

// Anti-entropy exchange payloads. Digests travel as raw bytes.
type rootPayload struct {
	Root []byte `msgpack:"root"`
}

type leavesPayload struct {
	Leaves [][]byte `msgpack:"leaves"`
}

type bucketEntryPayload struct {
	Key         string            `msgpack:"key"`
	Fingerprint []byte            `msgpack:"fingerprint"`
	Timestamp   hlc.Timestamp     `msgpack:"timestamp"`
	Record      *crdt.RecordValue `msgpack:"record"`
}

type bucketPayload struct {
	Entries []bucketEntryPayload `msgpack:"entries"`
}

func digestFromBytes(b []byte) (merkle.Digest, error) {
	var d merkle.Digest
	if len(b) != merkle.DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", merkle.DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// PeerClient talks to other cluster nodes over their sync endpoints.
// It implements partition.Replicator and partition.PeerSync.
type PeerClient struct {
	nodeID string
	client *http.Client
	// resolve maps a member node id to its base URL.
	resolve func(node string) (string, bool)
}

func NewPeerClient(nodeID string, peerURLs map[string]string) *PeerClient {
	return &PeerClient{
		nodeID: nodeID,
		client: &http.Client{Timeout: 10 * time.Second},
		resolve: func(node string) (string, bool) {
			url, ok := peerURLs[node]
			return url, ok
		},
	}
}

func (p *PeerClient) baseURL(node string) (string, error) {
	url, ok := p.resolve(node)
	if !ok {
		return "", errors.StorageTransient(fmt.Sprintf("no known address for node %s", node), nil)
	}
	return url, nil
}

// postSync posts an operation batch to the peer's sync endpoint and
// returns the per-operation results.
func (p *PeerClient) postSync(ctx context.Context, node string, envs []operation.Envelope) ([]operation.Result, error) {
	base, err := p.baseURL(node)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(envs)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeMsgpack)
	req.Header.Set(nodeHeader, p.nodeID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.StorageTransient("peer request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.StorageTransient(fmt.Sprintf("peer replied %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.StorageTransient("peer response unreadable", err)
	}
	var results []operation.Result
	if err := msgpack.Unmarshal(raw, &results); err != nil {
		return nil, errors.StoragePermanent("peer response undecodable", err)
	}
	if len(results) != len(envs) {
		return nil, errors.StoragePermanent(fmt.Sprintf("expected %d results, got %d", len(envs), len(results)), nil)
	}
	return results, nil
}

// submit posts a single-operation batch to the peer's sync endpoint.
func (p *PeerClient) submit(ctx context.Context, node string, env operation.Envelope) error {
	results, err := p.postSync(ctx, node, []operation.Envelope{env})
	if err != nil {
		return err
	}
	if !results[0].OK {
		return errors.New(errors.Kind(results[0].ErrKind), results[0].ErrMsg, nil)
	}
	return nil
}

func (p *PeerClient) ReplicateWrite(ctx context.Context, node, mapName, key string, record *crdt.RecordValue) error {
	return p.submit(ctx, node, operation.Envelope{
		Service: "cluster",
		Type:    string(operation.KindReplicateWrite),
		Map:     mapName,
		Key:     key,
		Record:  record,
	})
}

func (p *PeerClient) ReplicateDelete(ctx context.Context, node, mapName, key string) error {
	return p.submit(ctx, node, operation.Envelope{
		Service: "crdt",
		Type:    string(operation.KindDelete),
		Map:     mapName,
		Key:     key,
	})
}

// fetch performs one anti-entropy GET and decodes the msgpack payload
// into out.
func (p *PeerClient) fetch(ctx context.Context, node, path string, out interface{}) error {
	base, err := p.baseURL(node)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(nodeHeader, p.nodeID)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.StorageTransient("peer request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.StorageTransient(fmt.Sprintf("peer replied %d", resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.StorageTransient("peer response unreadable", err)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return errors.StoragePermanent("peer response undecodable", err)
	}
	return nil
}

func syncQuery(mapName string, partitionID int, bucket ...int) string {
	q := url.Values{}
	q.Set("map", mapName)
	q.Set("partition", strconv.Itoa(partitionID))
	if len(bucket) > 0 {
		q.Set("bucket", strconv.Itoa(bucket[0]))
	}
	return q.Encode()
}

func (p *PeerClient) SyncRoot(ctx context.Context, node, mapName string, partitionID int) (merkle.Digest, error) {
	var payload rootPayload
	path := "/cluster/root?" + syncQuery(mapName, partitionID)
	if err := p.fetch(ctx, node, path, &payload); err != nil {
		return merkle.Digest{}, err
	}
	return digestFromBytes(payload.Root)
}

func (p *PeerClient) SyncLeaves(ctx context.Context, node, mapName string, partitionID int) ([]merkle.Digest, error) {
	var payload leavesPayload
	path := "/cluster/leaves?" + syncQuery(mapName, partitionID)
	if err := p.fetch(ctx, node, path, &payload); err != nil {
		return nil, err
	}
	out := make([]merkle.Digest, len(payload.Leaves))
	for i, raw := range payload.Leaves {
		d, err := digestFromBytes(raw)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (p *PeerClient) SyncBucket(ctx context.Context, node, mapName string, partitionID, bucket int) ([]store.BucketEntry, error) {
	var payload bucketPayload
	path := "/cluster/bucket?" + syncQuery(mapName, partitionID, bucket)
	if err := p.fetch(ctx, node, path, &payload); err != nil {
		return nil, err
	}
	out := make([]store.BucketEntry, len(payload.Entries))
	for i, e := range payload.Entries {
		fp, err := digestFromBytes(e.Fingerprint)
		if err != nil {
			return nil, err
		}
		out[i] = store.BucketEntry{
			Key:         e.Key,
			Fingerprint: fp,
			Timestamp:   e.Timestamp,
			Value:       e.Record,
		}
	}
	return out, nil
}

// PushBucket ships local bucket entries to the remote replica as one
// replicate-write batch. The remote merges each entry through its
// partition actor, so entries that do not supersede its state are
// no-ops.
func (p *PeerClient) PushBucket(ctx context.Context, node, mapName string, partitionID, bucket int, entries []store.BucketEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	envs := make([]operation.Envelope, len(entries))
	for i, entry := range entries {
		envs[i] = operation.Envelope{
			Service: "cluster",
			Type:    string(operation.KindReplicateWrite),
			Map:     mapName,
			Key:     entry.Key,
			Record:  entry.Value,
		}
	}
	results, err := p.postSync(ctx, node, envs)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, res := range results {
		if !res.OK {
			return accepted, errors.New(errors.Kind(res.ErrKind), res.ErrMsg, nil)
		}
		if res.Changed {
			accepted++
		}
	}
	return accepted, nil
}

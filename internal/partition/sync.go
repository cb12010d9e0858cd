package partition

import (
	"context"

	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/merkle"
	"github.com/TopGunBuild/topgun/internal/store"
)

// PeerSync exchanges anti-entropy state with a remote node. The server
// package implements it over the peer transport; tests wire two actors
// directly.
type PeerSync interface {
	SyncRoot(ctx context.Context, node, mapName string, partitionID int) (merkle.Digest, error)
	SyncLeaves(ctx context.Context, node, mapName string, partitionID int) ([]merkle.Digest, error)
	SyncBucket(ctx context.Context, node, mapName string, partitionID, bucket int) ([]store.BucketEntry, error)
	// PushBucket offers local entries to the remote replica, returning
	// how many the remote accepted as superseding.
	PushBucket(ctx context.Context, node, mapName string, partitionID, bucket int, entries []store.BucketEntry) (int, error)
}

// SyncWith runs one anti-entropy session against node for one map.
// Roots are compared first; only diverged buckets are exchanged. Each
// diverged bucket is repaired in both directions: remote state is
// pulled and merged locally, then local entries the remote lacks are
// pushed back, so one session converges both replicas even when the
// reverse session never runs. Only strictly superseding state changes
// either side.
func (a *Actor) SyncWith(ctx context.Context, node, mapName string, peers PeerSync) (int, error) {
	localRoot, err := a.Root(ctx, mapName)
	if err != nil {
		return 0, err
	}
	remoteRoot, err := peers.SyncRoot(ctx, node, mapName, a.id)
	if err != nil {
		a.deps.Metrics.AntiEntropySessionsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if localRoot == remoteRoot {
		a.deps.Metrics.RecordAntiEntropySession("clean", 0, 0)
		return 0, nil
	}

	remoteLeaves, err := peers.SyncLeaves(ctx, node, mapName, a.id)
	if err != nil {
		a.deps.Metrics.AntiEntropySessionsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	diverged, err := a.diffLeaves(ctx, mapName, remoteLeaves)
	if err != nil {
		return 0, err
	}
	merged := 0
	pushed := 0
	for _, bucket := range diverged {
		entries, err := peers.SyncBucket(ctx, node, mapName, a.id, bucket)
		if err != nil {
			a.deps.Metrics.AntiEntropySessionsTotal.WithLabelValues("error").Inc()
			return merged, err
		}
		n, err := a.MergeEntries(ctx, mapName, entries)
		merged += n
		if err != nil {
			a.deps.Metrics.AntiEntropySessionsTotal.WithLabelValues("error").Inc()
			return merged, err
		}
		missing, err := a.entriesMissingFrom(ctx, mapName, bucket, entries)
		if err != nil {
			return merged, err
		}
		if len(missing) > 0 {
			n, err = peers.PushBucket(ctx, node, mapName, a.id, bucket, missing)
			pushed += n
			if err != nil {
				a.deps.Metrics.AntiEntropySessionsTotal.WithLabelValues("error").Inc()
				return merged, err
			}
		}
	}

	a.deps.Metrics.RecordAntiEntropySession("merged", merged, len(diverged))
	a.logger.Debug("anti-entropy session finished",
		zap.String("node", node),
		zap.String("map", mapName),
		zap.Int("diverged_buckets", len(diverged)),
		zap.Int("keys_merged", merged),
		zap.Int("keys_pushed", pushed))
	return merged, nil
}

// entriesMissingFrom returns the local entries of one bucket whose
// fingerprints the remote snapshot does not already hold. After the
// pull merge, matching fingerprints mean identical record state, so
// only the remainder needs to travel.
func (a *Actor) entriesMissingFrom(ctx context.Context, mapName string, bucket int, remote []store.BucketEntry) ([]store.BucketEntry, error) {
	local, err := a.Bucket(ctx, mapName, bucket)
	if err != nil {
		return nil, err
	}
	seen := make(map[merkle.Digest]struct{}, len(remote))
	for _, entry := range remote {
		seen[entry.Fingerprint] = struct{}{}
	}
	var missing []store.BucketEntry
	for _, entry := range local {
		if _, ok := seen[entry.Fingerprint]; !ok {
			missing = append(missing, entry)
		}
	}
	return missing, nil
}

func (a *Actor) diffLeaves(ctx context.Context, mapName string, remote []merkle.Digest) ([]int, error) {
	var out []int
	var derr error
	err := a.submit(ctx, func(context.Context) {
		out, derr = a.storeFor(mapName).Tree().Diff(remote)
	})
	if err != nil {
		return nil, err
	}
	return out, derr
}

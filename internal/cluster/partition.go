package cluster

import "hash/fnv"

// DefaultPartitionCount is prime so modulo routing stays balanced for
// typical key distributions.
const DefaultPartitionCount = 271

// PartitionFor routes a key to its partition: 64-bit FNV-1a of the
// UTF-8 key bytes, mod the partition count. Every node and every
// client implementation must agree on this function.
func PartitionFor(key string, partitionCount int) int {
	if partitionCount <= 0 {
		partitionCount = DefaultPartitionCount
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(partitionCount))
}

package broker

import (
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
)

// PartitionFor maps a record key to one of n partitions. Records with equal keys
// always land on the same partition.
func PartitionFor(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(n))
}

// QueueKeyBalancer places records by the hash of their key, which for ingestion
// records is the envelope queue key (tenant id followed by originator id).
type QueueKeyBalancer struct{}

func (QueueKeyBalancer) Balance(msg kafka.Message, partitions ...int) int {
	return partitions[PartitionFor(msg.Key, len(partitions))]
}

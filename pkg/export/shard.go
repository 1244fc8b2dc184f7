// Package export implements the shard export orchestration: the per-shard
// job lifecycle, the bounded worker pool over all shards and the combiner
// that merges shard results into one deduplicated report.
//
// The Falcon image dataset is partitioned by the first hex character of the
// image digest. One run drives one export job per shard, polls it to a
// terminal state, pages through the finished file and merges everything.
package export

import "fmt"

// ShardKey selects one hex-digit partition of the image dataset.
type ShardKey string

// shardKeys is the fixed partition set, in report order.
const shardKeys = "0123456789abcdef"

// AllShards returns the 16 shard keys in ascending hex order. The order is
// fixed so runs are reproducible.
func AllShards() []ShardKey {
	keys := make([]ShardKey, 0, len(shardKeys))
	for _, c := range shardKeys {
		keys = append(keys, ShardKey(c))
	}
	return keys
}

// Valid reports whether k is one of the 16 partition keys.
func (k ShardKey) Valid() bool {
	if len(k) != 1 {
		return false
	}
	c := k[0]
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func (k ShardKey) String() string {
	return string(k)
}

// ValidateShards checks a shard list for use as a run input.
func ValidateShards(keys []ShardKey) error {
	seen := make(map[ShardKey]bool, len(keys))
	for _, k := range keys {
		if !k.Valid() {
			return fmt.Errorf("invalid shard key %q", k)
		}
		if seen[k] {
			return fmt.Errorf("duplicate shard key %q", k)
		}
		seen[k] = true
	}
	return nil
}

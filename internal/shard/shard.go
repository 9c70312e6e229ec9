// Package shard maps keys onto lock stripes.
package shard

import "github.com/cespare/xxhash/v2"

// Count is the default number of stripes per store.
const Count = 64

// Index returns the stripe for key in [0, n).
func Index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

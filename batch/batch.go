// Package batch splits ordered result collections into fixed-size chunks for
// submission.
package batch

import (
	"iter"
	"slices"
	"strconv"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

// Batches returns a sequence of consecutive chunks of items, each of length
// size except possibly the last. Input order is preserved and an empty input
// yields no chunks. The sequence can be ranged over any number of times.
func Batches[T any](items []T, size int) (iter.Seq[[]T], error) {
	if size < 1 {
		return nil, types.NewConfigError("batch_size", "must be at least 1, got "+strconv.Itoa(size))
	}
	return slices.Chunk(items, size), nil
}

// Count returns how many chunks Batches yields for n items.
func Count(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}

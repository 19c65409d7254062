// ABOUTME: Functional options for spaces and the memory allocator
// ABOUTME: Size classes default to a doubling ladder up to 64 KiB

package spaces

import (
	"log/slog"
	"slices"

	"github.com/prateek/heapkeep/heap"
)

// DefaultSizeClasses are the lower bounds, in bytes, of the default
// free-list categories.
var DefaultSizeClasses = []int{0, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

type options struct {
	sizeClasses []int
	logger      *slog.Logger
}

// Option configures a Space or a MemoryAllocator.
type Option func(*options)

// WithSizeClasses sets the free-list category lower bounds. The first
// bound must be 0 and the bounds must be strictly ascending.
func WithSizeClasses(minSizes ...int) Option {
	return func(o *options) {
		heap.Checkf(len(minSizes) > 0 && minSizes[0] == 0, "size classes must start at 0: %v", minSizes)
		for i := 1; i < len(minSizes); i++ {
			heap.Checkf(minSizes[i] > minSizes[i-1], "size classes must ascend: %v", minSizes)
		}
		o.sizeClasses = slices.Clone(minSizes)
	}
}

// WithLogger sets the logger. The package logger of heap is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{sizeClasses: slices.Clone(DefaultSizeClasses)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return heap.Logger()
}

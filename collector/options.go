// ABOUTME: Functional options for a collector heap
// ABOUTME: Page budget, size classes, compaction switch and logging

package collector

import (
	"log/slog"
	"slices"

	"github.com/prateek/heapkeep/heap"
	"github.com/prateek/heapkeep/spaces"
)

const (
	// DefaultMaxPages bounds the pages a heap may reserve.
	DefaultMaxPages = 1024
	// DefaultEvacuationThreshold is the occupancy, in percent of the
	// page size, below which a page is selected for evacuation.
	DefaultEvacuationThreshold = 30
)

type options struct {
	maxPages    int
	sizeClasses []int
	compaction  bool
	threshold   int
	logger      *slog.Logger
}

// Option configures a Heap.
type Option func(*options)

// WithMaxPages sets the page budget of the heap.
func WithMaxPages(n int) Option {
	return func(o *options) {
		heap.Checkf(n > 0, "page budget must be positive: %d", n)
		o.maxPages = n
	}
}

// WithSizeClasses sets the free-list category lower bounds of both spaces.
func WithSizeClasses(minSizes ...int) Option {
	return func(o *options) {
		o.sizeClasses = slices.Clone(minSizes)
	}
}

// WithCompaction enables or disables evacuation during Collect.
func WithCompaction(enabled bool) Option {
	return func(o *options) {
		o.compaction = enabled
	}
}

// WithEvacuationThreshold sets the occupancy percentage below which
// pages become evacuation candidates.
func WithEvacuationThreshold(percent int) Option {
	return func(o *options) {
		heap.Checkf(percent >= 0 && percent <= 100, "evacuation threshold out of range: %d", percent)
		o.threshold = percent
	}
}

// WithLogger sets the logger used by the heap and its spaces.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxPages:   DefaultMaxPages,
		compaction: true,
		threshold:  DefaultEvacuationThreshold,
	}
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

func (o options) spaceOptions() []spaces.Option {
	var sopts []spaces.Option
	if o.logger != nil {
		sopts = append(sopts, spaces.WithLogger(o.logger))
	}
	if o.sizeClasses != nil {
		sopts = append(sopts, spaces.WithSizeClasses(o.sizeClasses...))
	}
	return sopts
}

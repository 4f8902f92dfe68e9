// Package sequence allocates year-scoped document numbers such as LEAD-2026-007.
//
// Allocation is delegated to an Allocator that must hand out each ordinal of a
// (prefix, year) scope at most once, even when called concurrently from many
// processes. Gaps are tolerated: a number handed to a caller whose write later
// fails is simply never used.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prefix names a document series.
type Prefix string

const (
	PrefixLead      Prefix = "LEAD"
	PrefixQuotation Prefix = "QUO"
	PrefixOrder     Prefix = "ORD"
)

// ErrAllocationFailed is returned when no ordinal could be obtained for a scope.
var ErrAllocationFailed = errors.New("sequence allocation failed")

// Allocator hands out strictly increasing ordinals per (prefix, year), starting at 1.
type Allocator interface {
	Next(ctx context.Context, prefix Prefix, year int) (int64, error)
}

// Format renders a document number. Ordinals are padded to three digits and
// widen past 999 instead of being truncated.
func Format(prefix Prefix, year int, ordinal int64) string {
	return fmt.Sprintf("%s-%d-%03d", prefix, year, ordinal)
}

// Generator produces formatted numbers for the current calendar year.
type Generator struct {
	allocator Allocator
	metrics   *Metrics
	clock     func() time.Time
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source used to pick the year.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) {
		g.clock = clock
	}
}

// WithMetrics records allocation outcomes.
func WithMetrics(m *Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// NewGenerator wraps an allocator.
func NewGenerator(allocator Allocator, opts ...Option) *Generator {
	g := &Generator{
		allocator: allocator,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns the next number in the series for the current year.
func (g *Generator) Next(ctx context.Context, prefix Prefix) (string, error) {
	return g.NextForYear(ctx, prefix, g.clock().Year())
}

// NextForYear returns the next number in the series for an explicit year.
func (g *Generator) NextForYear(ctx context.Context, prefix Prefix, year int) (string, error) {
	if g == nil || g.allocator == nil {
		return "", fmt.Errorf("%w: allocator not configured", ErrAllocationFailed)
	}
	ordinal, err := g.allocator.Next(ctx, prefix, year)
	if err == nil && ordinal < 1 {
		err = fmt.Errorf("non-positive ordinal %d", ordinal)
	}
	g.metrics.observe(prefix, err)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%d: %w", ErrAllocationFailed, prefix, year, err)
	}
	return Format(prefix, year, ordinal), nil
}

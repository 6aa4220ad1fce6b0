package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/internal/metrics"
)

const flightKey = "value"

// FetchFunc retrieves a new value from the source.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	value     T
	fetchedAt time.Time
	stale     bool
}

// Value caches a single value of type T. The zero Value is not usable; use [New].
type Value[T any] struct {
	name         string
	refreshAfter *time.Duration
	discardAfter *time.Duration
	now          func() time.Time

	// current is nil until the first successful fetch (or after Clear). Writers hold lock.
	current atomic.Pointer[entry[T]]
	lock    sync.Mutex
	flight  singleflight.Group
}

type Option func(*options)

type options struct {
	name         string
	refreshAfter *time.Duration
	discardAfter *time.Duration
	now          func() time.Time
}

// WithRefreshAfter sets how long a fetched value is returned without contacting the source.
func WithRefreshAfter(d time.Duration) Option {
	return func(o *options) { o.refreshAfter = &d }
}

// WithDiscardAfter sets how long a fetched value may be returned in place of a failed fetch.
func WithDiscardAfter(d time.Duration) Option {
	return func(o *options) { o.discardAfter = &d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithName labels log messages and metrics produced by the Value.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// New returns an empty Value.
func New[T any](opts ...Option) *Value[T] {
	o := options{name: "value", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Value[T]{
		name:         o.name,
		refreshAfter: o.refreshAfter,
		discardAfter: o.discardAfter,
		now:          o.now,
	}
}

func within(window *time.Duration, elapsed time.Duration) bool {
	if window == nil {
		return true
	}
	return *window > 0 && elapsed <= *window
}

func (v *Value[T]) fresh(e *entry[T]) bool {
	return e != nil && !e.stale && within(v.refreshAfter, v.now().Sub(e.fetchedAt))
}

func (v *Value[T]) usable(e *entry[T]) bool {
	return e != nil && within(v.discardAfter, v.now().Sub(e.fetchedAt))
}

// ValueIfFresh returns the cached value if it can be used without a fetch.
func (v *Value[T]) ValueIfFresh() (T, bool) {
	if e := v.current.Load(); v.fresh(e) {
		return e.value, true
	}
	var zero T
	return zero, false
}

// ValueIfUsable returns the cached value if it is still within its discard window.
func (v *Value[T]) ValueIfUsable() (T, bool) {
	if e := v.current.Load(); v.usable(e) {
		return e.value, true
	}
	var zero T
	return zero, false
}

// MarkAsStale forces the next call to GetOrUpdate to fetch. The current value remains usable as a
// fallback.
func (v *Value[T]) MarkAsStale() {
	v.lock.Lock()
	defer v.lock.Unlock()
	if e := v.current.Load(); e != nil && !e.stale {
		next := *e
		next.stale = true
		v.current.Store(&next)
	}
}

// Set stores value as if it had just been fetched.
func (v *Value[T]) Set(value T) {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.current.Store(&entry[T]{value: value, fetchedAt: v.now()})
}

// Clear discards the cached value.
func (v *Value[T]) Clear() {
	v.lock.Lock()
	defer v.lock.Unlock()
	v.current.Store(nil)
}

// GetOrUpdate returns the cached value if it is fresh. Otherwise it fetches a new value, joining a
// fetch already in progress if there is one.
//
// When a fetch fails and a usable value exists, that value is returned instead of the error. The
// fetch runs to completion even if every caller's context ends in the meantime, so that a slow
// source still populates the cache. A caller whose ctx ends first receives the usable value if
// there is one, and ctx.Err() otherwise.
func (v *Value[T]) GetOrUpdate(ctx context.Context, fetch FetchFunc[T]) (T, error) {
	if value, ok := v.ValueIfFresh(); ok {
		return value, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := v.flight.DoChan(flightKey, func() (interface{}, error) {
		// A flight that completed between the fast path and DoChan may have made this one redundant.
		if value, ok := v.ValueIfFresh(); ok {
			return value, nil
		}
		return v.update(detached, fetch)
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			var zero T
			return zero, result.Err
		}
		value, _ := result.Val.(T)
		return value, nil
	case <-ctx.Done():
		if value, ok := v.ValueIfUsable(); ok {
			return value, nil
		}
		var zero T
		return zero, ctx.Err()
	}
}

func (v *Value[T]) update(ctx context.Context, fetch FetchFunc[T]) (T, error) {
	value, err := fetch(ctx)
	metrics.CacheFetches.WithLabelValues(v.name, metrics.Result(err)).Inc()
	if err != nil {
		if previous, ok := v.ValueIfUsable(); ok {
			metrics.CacheFallbacks.WithLabelValues(v.name).Inc()
			log.Warning("Using cached %s after failed update: %s", v.name, err)
			return previous, nil
		}
		var zero T
		return zero, err
	}
	v.Set(value)
	log.Debug("Updated %s", v.name)
	return value, nil
}

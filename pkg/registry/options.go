package registry

import (
	"runtime"

	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/harun/tabula/pkg/store/columnar"
	"github.com/harun/tabula/pkg/store/etcd"
	"github.com/rs/zerolog"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithCopyConcurrency bounds the parallel puts during migration.
func WithCopyConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.copyConcurrency = n
		}
	}
}

// WithDurableOptions sets the options UseDurableFile opens stores with.
func WithDurableOptions(opts bolt.Options) Option {
	return func(r *Registry) {
		r.durableOpts = opts
	}
}

// WithCacheOptions sets the options UseDistributedCache dials with.
func WithCacheOptions(opts etcd.Options) Option {
	return func(r *Registry) {
		r.cacheOpts = opts
	}
}

// WithColumnarOptions sets the options UseColumnarDatabase opens stores with.
func WithColumnarOptions(opts columnar.Options) Option {
	return func(r *Registry) {
		r.columnarOpts = opts
	}
}

func defaultCopyConcurrency() int {
	n := runtime.GOMAXPROCS(0)
	if n > 8 {
		n = 8
	}
	return n
}

package daemon

import (
	"context"
	"fmt"

	"github.com/harun/tabula/internal/config"
	"github.com/harun/tabula/pkg/registry"
	"github.com/harun/tabula/pkg/session"
	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/harun/tabula/pkg/store/columnar"
	"github.com/harun/tabula/pkg/store/etcd"
	"github.com/harun/tabula/pkg/store/memory"
)

func durableOptions(cfg config.BackendConfig) bolt.Options {
	return bolt.Options{
		FlushInterval: cfg.FlushInterval,
		Fsync:         cfg.Fsync,
		Timeout:       cfg.Timeout,
	}
}

func cacheOptions(cfg config.BackendConfig) etcd.Options {
	return etcd.Options{
		Prefix:         cfg.Prefix,
		RequestTimeout: cfg.RequestTimeout,
		DialTimeout:    cfg.DialTimeout,
	}
}

func columnarOptions(cfg config.BackendConfig) columnar.Options {
	return columnar.Options{Watch: cfg.Watch}
}

// OpenAdapter opens the configured backend as it is, without migrating
// anything into it, so a durable store keeps its contents across restarts.
func OpenAdapter(ctx context.Context, cfg *config.Config) (session.Adapter, error) {
	b := cfg.Backend
	switch b.Type {
	case config.BackendMemory, "":
		return memory.New(), nil
	case config.BackendBolt:
		return bolt.Open(b.Dir, durableOptions(b))
	case config.BackendEtcd:
		return etcd.Open(b.Endpoints, cacheOptions(b))
	case config.BackendColumnar:
		return columnar.Open(ctx, b.URI, b.Library, columnarOptions(b))
	default:
		return nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
}

// RegistryOptions maps config onto registry options. Later Use* calls reuse
// the configured backend settings.
func RegistryOptions(cfg *config.Config) []registry.Option {
	opts := []registry.Option{
		registry.WithDurableOptions(durableOptions(cfg.Backend)),
		registry.WithCacheOptions(cacheOptions(cfg.Backend)),
		registry.WithColumnarOptions(columnarOptions(cfg.Backend)),
	}
	if cfg.Registry.CopyConcurrency > 0 {
		opts = append(opts, registry.WithCopyConcurrency(cfg.Registry.CopyConcurrency))
	}
	return opts
}

// OpenRegistry opens the configured backend and builds a registry on it.
func OpenRegistry(ctx context.Context, cfg *config.Config, extra ...registry.Option) (*registry.Registry, error) {
	adapter, err := OpenAdapter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend.Type, err)
	}

	reg, err := registry.New(ctx, adapter, append(RegistryOptions(cfg), extra...)...)
	if err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	return reg, nil
}

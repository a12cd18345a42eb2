package registry

import (
	"context"
	"time"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/internal/tracing"
	"github.com/harun/tabula/pkg/session"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Migrate moves every session to the adapter built by factory and makes it
// active. The target is cleared first. If any step before the swap fails,
// the target is closed, the current adapter stays active with its contents
// intact, and a MigrationError is returned. After the swap the old adapter
// is cleared and closed; failures there are logged only. A target that
// reports the active adapter's location is closed and nothing moves.
func (r *Registry) Migrate(ctx context.Context, factory session.AdapterFactory) (err error) {
	start := time.Now()
	ctx = tracing.NewMigrationContext(ctx)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	from := r.Backend()
	to := ""

	ctx, span := tracing.StartSpan(ctx, tracing.RegistryTracer, "registry.migrate",
		attribute.String("migration.from", from),
	)
	defer func() {
		tracing.EndSpan(span, err)
		observability.RecordMigration(from, to, time.Since(start), err == nil)
		observability.RecordBackendAudit(ctx, "migrate", to, err == nil, map[string]interface{}{
			"from":     from,
			"duration": time.Since(start).String(),
		})
	}()

	next, err := factory(ctx)
	if err != nil {
		return &session.MigrationError{From: from, To: to, Err: err}
	}
	to = next.Name()
	span.SetAttributes(attribute.String("migration.to", to))

	// Clearing either side would wipe a target that shares the active store.
	if loc := locationOf(next); loc != "" && loc == locationOf(r.Adapter()) {
		if cerr := next.Close(); cerr != nil {
			logger.Warn().Err(cerr).Str("backend", to).Msg("Failed to close duplicate adapter")
		}
		logger.Info().Str("location", loc).Msg("Migration target is the active store")
		return nil
	}

	fail := func(err error) error {
		if cerr := next.Close(); cerr != nil {
			logger.Warn().Err(cerr).Str("backend", to).Msg("Failed to close abandoned migration target")
		}
		logger.Error().Err(err).Str("from", from).Str("to", to).Msg("Migration failed")
		return &session.MigrationError{From: from, To: to, Err: err}
	}

	if err := next.Clear(ctx); err != nil {
		return fail(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fail(ErrClosed)
	}

	// The current adapter may have changed while the target was built.
	from = r.adapter.Name()

	snapshot, err := r.adapter.Export(ctx)
	if err != nil {
		return fail(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.copyConcurrency)
	for key, s := range snapshot {
		key, s := key, s
		g.Go(func() error {
			return next.Put(gctx, key, s)
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	old := r.adapter
	r.adapter = next

	items := make([]session.Item, 0, len(snapshot))
	for key, s := range snapshot {
		items = append(items, session.Item{Key: key, Session: s})
	}
	session.SortItems(items)
	r.indexNames(items)

	// The swap is committed; a cancelled caller must not strand the old
	// contents.
	cleanupCtx := tracing.CloneContext(ctx)
	if err := old.Clear(cleanupCtx); err != nil {
		logger.Warn().Err(err).Str("backend", from).Msg("Failed to clear previous backend")
	}
	if err := old.Close(); err != nil {
		logger.Warn().Err(err).Str("backend", from).Msg("Failed to close previous backend")
	}

	logger.Info().
		Str("from", from).
		Str("to", to).
		Int("sessions", len(snapshot)).
		Dur("duration", time.Since(start)).
		Msg("Backend migrated")

	r.updateActiveSessionsMetric(cleanupCtx, next)
	return nil
}

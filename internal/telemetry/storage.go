package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steemit/hivemind-go/internal/storage"
)

const storageScopeName = "github.com/steemit/hivemind-go/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in hive.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("hive.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("hive.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("hive.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Schema and head state ───────────────────────────────────────────────────

func (s *InstrumentedStore) HasSchema(ctx context.Context) (bool, error) {
	ctx, span, t := s.op(ctx, "HasSchema")
	v, err := s.inner.HasSchema(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) EnsureSchema(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "EnsureSchema")
	err := s.inner.EnsureSchema(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) LastBlock(ctx context.Context) (uint32, error) {
	ctx, span, t := s.op(ctx, "LastBlock")
	v, err := s.inner.LastBlock(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) LastBlockTime(ctx context.Context) (time.Time, error) {
	ctx, span, t := s.op(ctx, "LastBlockTime")
	v, err := s.inner.LastBlockTime(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Entity reads ────────────────────────────────────────────────────────────

func (s *InstrumentedStore) AccountExists(ctx context.Context, name string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", name)}
	ctx, span, t := s.op(ctx, "AccountExists", attrs...)
	v, err := s.inner.AccountExists(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PostMeta(ctx context.Context, author, permlink string) (*storage.PostMeta, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.author", author)}
	ctx, span, t := s.op(ctx, "PostMeta", attrs...)
	v, err := s.inner.PostMeta(ctx, author, permlink)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Cache maintenance reads ─────────────────────────────────────────────────

func (s *InstrumentedStore) CacheEmpty(ctx context.Context) (bool, error) {
	ctx, span, t := s.op(ctx, "CacheEmpty")
	v, err := s.inner.CacheEmpty(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) MaxPostID(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "MaxPostID")
	v, err := s.inner.MaxPostID(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) MaxCachedPostID(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "MaxCachedPostID")
	v, err := s.inner.MaxCachedPostID(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) PostRefsAfter(ctx context.Context, afterID int64, limit int) ([]storage.PostRef, error) {
	attrs := []attribute.KeyValue{attribute.Int("hive.limit", limit)}
	ctx, span, t := s.op(ctx, "PostRefsAfter", attrs...)
	v, err := s.inner.PostRefsAfter(ctx, afterID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PayoutDueRefs(ctx context.Context, at time.Time) ([]storage.PostRef, error) {
	ctx, span, t := s.op(ctx, "PayoutDueRefs")
	v, err := s.inner.PayoutDueRefs(ctx, at)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Read API queries ────────────────────────────────────────────────────────

func (s *InstrumentedStore) FollowCounts(ctx context.Context, account string) (int, int, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", account)}
	ctx, span, t := s.op(ctx, "FollowCounts", attrs...)
	followers, following, err := s.inner.FollowCounts(ctx, account)
	s.done(ctx, span, t, err, attrs...)
	return followers, following, err
}

func (s *InstrumentedStore) Followers(ctx context.Context, account string, skip, limit int) ([]string, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", account)}
	ctx, span, t := s.op(ctx, "Followers", attrs...)
	v, err := s.inner.Followers(ctx, account, skip, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) Following(ctx context.Context, account string, skip, limit int) ([]string, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", account)}
	ctx, span, t := s.op(ctx, "Following", attrs...)
	v, err := s.inner.Following(ctx, account, skip, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) BlogFeed(ctx context.Context, account string, skip, limit int) ([]storage.FeedEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", account)}
	ctx, span, t := s.op(ctx, "BlogFeed", attrs...)
	v, err := s.inner.BlogFeed(ctx, account, skip, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PersonalFeed(ctx context.Context, account string, skip, limit int) ([]storage.FeedEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("hive.account", account)}
	ctx, span, t := s.op(ctx, "PersonalFeed", attrs...)
	v, err := s.inner.PersonalFeed(ctx, account, skip, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) PayoutStats(ctx context.Context) (float64, float64, error) {
	ctx, span, t := s.op(ctx, "PayoutStats")
	total, last24h, err := s.inner.PayoutStats(ctx)
	s.done(ctx, span, t, err)
	return total, last24h, err
}

// ── Transactions ────────────────────────────────────────────────────────────

// RunInTransaction traces the whole transaction as one span. Individual
// writes inside it are not instrumented; the projector calls them in
// tight loops and per-call spans would swamp the exporter.
func (s *InstrumentedStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

var _ storage.Store = (*InstrumentedStore)(nil)

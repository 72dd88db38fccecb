// Package warmup repopulates the read-through data cache from the backing
// database in best-effort batches.
package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/observability"
)

var (
	ErrEmptyRequest = errors.New("cache_keys or user_id is required")
	ErrTooManyKeys  = errors.New("too many cache keys")
)

// Request is one warmup batch.
type Request struct {
	CacheKeys []string       `json:"cache_keys"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the outcome for one cache key.
type TaskResult struct {
	CacheKey string `json:"cache_key"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Report aggregates a batch.
type Report struct {
	Results    []TaskResult  `json:"results"`
	Attempted  int           `json:"attempted"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
}

// AllSucceeded is false if any key failed.
func (r *Report) AllSucceeded() bool {
	return r.Failed == 0
}

type Options struct {
	Concurrency        int
	TaskTimeout        time.Duration
	MaxKeys            int
	NotificationsLimit int
	Logger             *slog.Logger
	Metrics            *observability.Metrics
}

// Orchestrator fetches records from a Source and writes them to a Cache.
type Orchestrator struct {
	source Source
	cache  Cache
	opts   Options
}

func New(source Source, cache Cache, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Second
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 200
	}
	if opts.NotificationsLimit <= 0 {
		opts.NotificationsLimit = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{source: source, cache: cache, opts: opts}
}

// Run executes a batch. Only request validation errors are returned; each
// key's failure is recorded in the report and never stops the others.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if len(req.CacheKeys) == 0 && req.UserID == "" {
		return nil, ErrEmptyRequest
	}
	if len(req.CacheKeys) > o.opts.MaxKeys {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyKeys, len(req.CacheKeys), o.opts.MaxKeys)
	}

	ctx, span := observability.Tracer().Start(ctx, "warmup.Run")
	defer span.End()

	start := time.Now()
	b := &batch{userID: req.UserID, seen: make(map[string]bool)}

	// Phase one: the user bundle plus explicit keys. The user's class ids are
	// only known once user_classes has been fetched.
	if req.UserID != "" {
		b.add(Profile(req.UserID).String())
		b.add(Notifications(req.UserID).String())
		b.add(UserClasses(req.UserID).String())
	}
	for _, k := range req.CacheKeys {
		b.add(k)
	}
	o.runTasks(ctx, b, 0)

	// Phase two: every class the user belongs to.
	if len(b.userClasses) > 0 {
		from := len(b.keys)
		for _, id := range b.userClasses {
			b.add(Class(id).String())
		}
		o.runTasks(ctx, b, from)
	}

	report := b.report()
	report.Duration = time.Since(start)
	report.DurationMs = report.Duration.Milliseconds()

	span.SetAttributes(
		attribute.Int("warmup.attempted", report.Attempted),
		attribute.Int("warmup.failed", report.Failed),
	)
	o.opts.Metrics.ObserveWarmupBatch(report.Duration)
	o.opts.Logger.Info("Cache warmup completed",
		"user_id", req.UserID,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration_ms", report.DurationMs,
		"metadata", req.Metadata,
	)
	return report, nil
}

// batch holds per-run state. results is indexed like keys and each task
// writes only its own slot.
type batch struct {
	userID      string
	keys        []string
	results     []TaskResult
	seen        map[string]bool
	userClasses []string
}

func (b *batch) add(raw string) {
	raw = strings.TrimSpace(raw)
	if b.seen[raw] {
		return
	}
	b.seen[raw] = true
	b.keys = append(b.keys, raw)
	b.results = append(b.results, TaskResult{CacheKey: raw})
}

func (b *batch) report() *Report {
	r := &Report{Results: b.results, Attempted: len(b.results)}
	for _, res := range b.results {
		if res.Success {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
	return r
}

// runTasks warms b.keys[from:] concurrently and waits for all of them.
func (o *Orchestrator) runTasks(ctx context.Context, b *batch, from int) {
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)

	for i := from; i < len(b.keys); i++ {
		i := i
		g.Go(func() error {
			key, err := ParseKey(b.keys[i])
			if err == nil {
				var ids []string
				ids, err = o.warm(ctx, key)
				if err == nil && b.userID != "" && key == UserClasses(b.userID) {
					b.userClasses = ids
				}
			}

			b.results[i].Success = err == nil
			if err != nil {
				b.results[i].Error = err.Error()
				o.opts.Logger.Warn("Cache warmup task failed", "cache_key", b.keys[i], "error", err)
			}
			o.opts.Metrics.ObserveWarmupTask(key.Kind.String(), err == nil)
			return nil
		})
	}
	_ = g.Wait()
}

// warm fetches key and stores it. For user_classes it also returns the ids.
func (o *Orchestrator) warm(ctx context.Context, key Key) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.TaskTimeout)
	defer cancel()

	v, err := o.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := o.cache.Set(ctx, key.String(), data, key.Kind.TTL()); err != nil {
		return nil, err
	}
	ids, _ := v.([]string)
	return ids, nil
}

// Fetch loads the record key names from the source.
func (o *Orchestrator) Fetch(ctx context.Context, key Key) (any, error) {
	switch key.Kind {
	case KindProfile:
		return o.source.Profile(ctx, key.ID)
	case KindClass:
		return o.source.Class(ctx, key.ID)
	case KindActivity:
		return o.source.Activity(ctx, key.ID)
	case KindNotifications:
		return o.source.Notifications(ctx, key.ID, o.opts.NotificationsLimit)
	case KindClassActivities:
		return o.source.ClassActivities(ctx, key.ID)
	case KindClassMembers:
		return o.source.ClassMembers(ctx, key.ID)
	case KindUserClasses:
		return o.source.UserClassIDs(ctx, key.ID)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// ReadThrough serves raw from the cache, falling back to the source and
// filling the cache on a miss. hit reports whether the cache answered.
func (o *Orchestrator) ReadThrough(ctx context.Context, raw string) (data []byte, hit bool, err error) {
	key, err := ParseKey(raw)
	if err != nil {
		return nil, false, err
	}

	data, ok, err := o.cache.Get(ctx, key.String())
	if err != nil {
		o.opts.Logger.Warn("Cache read failed, falling back to database", "cache_key", raw, "error", err)
	} else if ok {
		return data, true, nil
	}

	v, err := o.Fetch(ctx, key)
	if err != nil {
		return nil, false, err
	}
	data, err = json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := o.cache.Set(ctx, key.String(), data, key.Kind.TTL()); err != nil {
		o.opts.Logger.Warn("Cache fill failed", "cache_key", raw, "error", err)
	}
	return data, false, nil
}

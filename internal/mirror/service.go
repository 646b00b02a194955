// Package mirror composes one mirror pass: fetch the calendar, build a
// snapshot, reconcile the per-date records, then fetch outstanding videos.
package mirror

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"hwmirror/internal/ics"
	appLog "hwmirror/internal/log"
	"hwmirror/internal/metrics"
	"hwmirror/internal/model"
	"hwmirror/internal/reconcile"
	"hwmirror/internal/store"
	"hwmirror/internal/video"
)

// Result describes one pass. A pass is Completed when the calendar was
// fetched and parsed and every date was visited, even if some units were
// skipped.
type Result struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  bool      `json:"completed"`
	Error      string    `json:"error,omitempty"`

	Events    int `json:"events"`
	Dates     int `json:"dates"`
	Malformed int `json:"malformed"`

	Reconcile reconcile.Report `json:"-"`
	Video     video.Report     `json:"-"`
}

// Partial reports whether any unit of work was skipped.
func (r Result) Partial() bool {
	return len(r.Reconcile.Skipped) > 0 || len(r.Video.Skipped) > 0
}

// Config wires a Service. Source, Store and Location are required; a nil
// Backend disables the video stage.
type Config struct {
	Source   ics.Getter
	Store    store.Store
	Layout   store.Layout
	Location *time.Location
	Expand   ics.ExpandConfig

	FullCompare bool
	DryRun      bool

	Extractor *video.Extractor
	Backend   video.Backend
	TempDir   string

	Metrics metrics.Recorder
	Now     func() time.Time
}

// Service runs passes. Callers serialize RunOnce; concurrent passes against
// one store are not supported.
type Service struct {
	source       ics.Getter
	loc          *time.Location
	expand       ics.ExpandConfig
	reconciler   *reconcile.Reconciler
	orchestrator *video.Orchestrator
	metrics      metrics.Recorder
	now          func() time.Time
	dryRun       bool

	mu   sync.RWMutex
	last *Result
}

func New(cfg Config) (*Service, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("mirror: calendar source is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("mirror: store is required")
	}
	if cfg.Location == nil {
		return nil, fmt.Errorf("mirror: location is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		source:  cfg.Source,
		loc:     cfg.Location,
		expand:  cfg.Expand,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		dryRun:  cfg.DryRun,
		reconciler: reconcile.New(cfg.Store, cfg.Layout, reconcile.Options{
			FullCompare: cfg.FullCompare,
			DryRun:      cfg.DryRun,
			Metrics:     cfg.Metrics,
		}),
	}
	if s.expand.Now == nil {
		s.expand.Now = cfg.Now
	}

	if cfg.Backend != nil {
		x := cfg.Extractor
		if x == nil {
			x = video.NewExtractor(nil)
		}
		s.orchestrator = video.NewOrchestrator(cfg.Store, cfg.Layout, x, cfg.Backend, video.Options{
			DryRun:  cfg.DryRun,
			TempDir: cfg.TempDir,
			Metrics: cfg.Metrics,
		})
	}
	return s, nil
}

// RunOnce executes one pass. The error is non-nil only when the pass could
// not complete: the calendar could not be fetched or parsed, or ctx was
// cancelled. Skipped units are reported in the Result instead.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	start := s.now()
	res := Result{RunID: newRunID(start), StartedAt: start}

	err := s.run(ctx, &res)

	res.FinishedAt = s.now()
	res.Completed = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	outcome := metrics.ResultOK
	switch {
	case err != nil:
		outcome = metrics.ResultFailed
		appLog.Error("mirror: pass failed", err, "run_id", res.RunID)
	case res.Partial():
		outcome = metrics.ResultPartial
	}
	s.metrics.ObservePass(outcome, res.FinishedAt.Sub(start))

	appLog.Info("mirror: pass finished",
		"run_id", res.RunID,
		"result", outcome,
		"dry_run", s.dryRun,
		"dates", res.Dates,
		"changed", len(res.Reconcile.Changed),
		"downloaded", len(res.Video.Downloaded),
		"skipped", len(res.Reconcile.Skipped)+len(res.Video.Skipped),
		"elapsed", res.FinishedAt.Sub(start).String(),
	)
	for _, sk := range res.Reconcile.Skipped {
		appLog.Warn("mirror: date skipped", "run_id", res.RunID, "key", sk.Key, "err", sk.Err)
	}
	for _, sk := range res.Video.Skipped {
		appLog.Warn("mirror: video skipped", "run_id", res.RunID, "date", sk.Date, "url", sk.URL, "err", sk.Err)
	}

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	return res, err
}

func (s *Service) run(ctx context.Context, res *Result) error {
	body, err := s.source.Get(ctx)
	if err != nil {
		return err
	}

	parsed, err := ics.ParseICS(ics.Source{ID: res.RunID}, body)
	if err != nil {
		return fmt.Errorf("mirror: parse calendar: %w", err)
	}

	snap, malformed := model.BuildSnapshot(body, ics.Expand(parsed, s.expand), s.loc)
	for _, e := range malformed {
		appLog.Warn("mirror: event skipped", "run_id", res.RunID, "err", e)
	}
	res.Events = len(parsed)
	res.Dates = len(snap.Days)
	res.Malformed = len(malformed)

	res.Reconcile, err = s.reconciler.Reconcile(ctx, snap)
	if err != nil {
		return err
	}

	if s.orchestrator == nil {
		return nil
	}
	res.Video, err = s.orchestrator.Run(ctx, snap.Days)
	return err
}

// Last returns the most recent pass result, if any.
func (s *Service) Last() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func newRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

package video

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"hwmirror/internal/apperr"
	appLog "hwmirror/internal/log"
	"hwmirror/internal/metrics"
	"hwmirror/internal/model"
	"hwmirror/internal/store"
)

// Item names one reference on one date.
type Item struct {
	Date string
	URL  string
}

// Skip is a reference (or, with an empty URL, a whole date) left
// outstanding by a pass.
type Skip struct {
	Date string
	URL  string
	Err  error
}

func (s Skip) String() string {
	if s.URL == "" {
		return fmt.Sprintf("%s: %v", s.Date, s.Err)
	}
	return fmt.Sprintf("%s %s: %v", s.Date, s.URL, s.Err)
}

// Report summarizes one orchestrator pass.
type Report struct {
	// Downloaded holds the records appended during the pass.
	Downloaded []Item
	// Planned holds the references a dry-run would have fetched.
	Planned []Item
	Skipped []Skip
	// Outstanding counts references still without a record afterwards.
	Outstanding int
	DryRun      bool
}

// Options tune an Orchestrator.
type Options struct {
	DryRun bool
	// TempDir is the parent of per-reference scratch directories. Empty
	// means the system temp dir.
	TempDir string
	// Metrics may be nil.
	Metrics metrics.Recorder
}

// Orchestrator drives fetch, upload and record for outstanding references.
type Orchestrator struct {
	store     store.Store
	layout    store.Layout
	extractor *Extractor
	tracker   *Tracker
	backend   Backend
	opts      Options
}

func NewOrchestrator(st store.Store, layout store.Layout, extractor *Extractor, backend Backend, opts Options) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Orchestrator{
		store:     st,
		layout:    layout,
		extractor: extractor,
		tracker:   NewTracker(st, layout),
		backend:   backend,
		opts:      opts,
	}
}

// Run processes every date in days in ascending order. For each outstanding
// reference it fetches into a scoped temp dir, uploads the artifact next to
// the date's records, verifies it landed, and only then appends a
// DownloadRecord. Any failure leaves the reference outstanding for the next
// pass and is reported in Skipped; the pass continues.
//
// The returned error is non-nil only when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, days model.DayBucket) (Report, error) {
	rep := Report{DryRun: o.opts.DryRun}
	defer func() {
		o.opts.Metrics.SetPendingVideos(rep.Outstanding)
	}()

	for _, date := range days.Keys() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		refs := o.extractor.ExtractEvents(days[date])
		if len(refs) == 0 {
			continue
		}

		persisted, err := o.tracker.Load(ctx, date)
		if err != nil {
			o.opts.Metrics.IncStoreErrors("read")
			appLog.Error("video: load download state failed; date skipped", err, "date", date)
			rep.Skipped = append(rep.Skipped, Skip{Date: date, Err: err})
			rep.Outstanding += len(o.tracker.Pending(refs, nil))
			continue
		}

		pending := o.tracker.Pending(refs, persisted)
		for i, ref := range pending {
			if err := ctx.Err(); err != nil {
				rep.Outstanding += len(pending) - i
				return rep, err
			}

			if o.opts.DryRun {
				appLog.Info("video: would fetch", "date", date, "url", ref.URL)
				rep.Planned = append(rep.Planned, Item{Date: date, URL: ref.URL})
				rep.Outstanding++
				continue
			}

			rec, err := o.fetchAndUpload(ctx, date, ref, persisted)
			if err == nil {
				var next []model.DownloadRecord
				if next, err = o.tracker.Append(ctx, date, persisted, rec); err == nil {
					persisted = next
				}
			}
			if err != nil {
				o.opts.Metrics.IncDownloads("failed")
				appLog.Error("video: reference left outstanding", err, "date", date, "url", ref.URL)
				rep.Skipped = append(rep.Skipped, Skip{Date: date, URL: ref.URL, Err: err})
				rep.Outstanding++
				continue
			}

			o.opts.Metrics.IncDownloads("ok")
			appLog.Info("video: recorded", "date", date, "url", ref.URL, "filename", rec.Filename)
			rep.Downloaded = append(rep.Downloaded, Item{Date: date, URL: ref.URL})
		}
	}

	appLog.Info("video: pass finished",
		"downloaded", len(rep.Downloaded),
		"planned", len(rep.Planned),
		"skipped", len(rep.Skipped),
		"outstanding", rep.Outstanding,
	)
	return rep, nil
}

// fetchAndUpload materializes ref and stores it for date. The scratch
// directory is removed on every return path. The artifact never replaces
// one recorded for another URL.
func (o *Orchestrator) fetchAndUpload(ctx context.Context, date string, ref model.VideoReference, persisted []model.DownloadRecord) (model.DownloadRecord, error) {
	dir, release, err := scopedTempDir(o.opts.TempDir, "hwmirror-video-")
	if err != nil {
		return model.DownloadRecord{}, fmt.Errorf("video: scratch dir: %w", err)
	}
	defer release()

	local, err := o.backend.Fetch(ctx, ref.URL, dir)
	if err != nil {
		if apperr.CodeOf(err) == "" {
			err = apperr.NewTransientFetch("fetch video", ref.URL, err)
		}
		return model.DownloadRecord{}, err
	}

	name := artifactName(filepath.Base(local), ref.URL, persisted)
	dst := o.layout.ArtifactPath(date, name)

	if err := o.store.MakeDir(ctx, o.layout.DateDir(date)); err != nil {
		o.opts.Metrics.IncStoreErrors("mkdir")
		return model.DownloadRecord{}, err
	}
	if err := o.store.Upload(ctx, dst, local); err != nil {
		o.opts.Metrics.IncStoreErrors("upload")
		return model.DownloadRecord{}, err
	}
	ok, err := o.store.Exists(ctx, dst)
	if err != nil {
		o.opts.Metrics.IncStoreErrors("exists")
		return model.DownloadRecord{}, err
	}
	if !ok {
		return model.DownloadRecord{}, apperr.NewStore("upload", dst, errors.New("artifact missing after upload"))
	}

	return model.DownloadRecord{URL: ref.URL, Filename: name}, nil
}

// artifactName returns name, or name tagged with a short digest of url when
// another URL's record on the same date already owns name.
func artifactName(name, url string, persisted []model.DownloadRecord) string {
	taken := false
	for _, r := range persisted {
		if r.Filename == name && r.URL != url {
			taken = true
			break
		}
	}
	if !taken {
		return name
	}
	sum := sha256.Sum256([]byte(url))
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
}

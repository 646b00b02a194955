// Package reconcile brings the per-date homework records in a store in line
// with a calendar snapshot, writing only the dates whose content changed.
package reconcile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"

	"hwmirror/internal/apperr"
	appLog "hwmirror/internal/log"
	"hwmirror/internal/metrics"
	"hwmirror/internal/model"
	"hwmirror/internal/store"
)

// Skip is a unit of work abandoned during a pass. It is retried on the next
// pass.
type Skip struct {
	Key string
	Err error
}

func (s Skip) String() string {
	return fmt.Sprintf("%s: %v", s.Key, s.Err)
}

// Report summarizes one reconciliation pass.
type Report struct {
	// Changed holds the date keys whose record was (or, in dry-run, would
	// be) rewritten, in ascending order.
	Changed []string
	// Unchanged holds the date keys whose persisted record already matched.
	Unchanged []string
	// Skipped holds the date keys (or the calendar path) that failed.
	Skipped []Skip
	// Writes counts record writes issued to the store.
	Writes int

	// ShortCircuited is set when the persisted digest matched the day
	// buckets and no per-date work was done.
	ShortCircuited  bool
	CalendarWritten bool
	DryRun          bool

	// DigestWritten is set when the digest was (or, in dry-run, would be)
	// replaced. It is not counted in Writes.
	DigestWritten bool
}

// Options tune a Reconciler.
type Options struct {
	// FullCompare disables the digest short-circuit.
	FullCompare bool
	// DryRun computes the report without touching the store.
	DryRun bool
	// Metrics may be nil.
	Metrics metrics.Recorder
}

// Reconciler diffs snapshots against one store.
type Reconciler struct {
	store  store.Store
	layout store.Layout
	opts   Options
}

func New(st store.Store, layout store.Layout, opts Options) *Reconciler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Reconciler{store: st, layout: layout, opts: opts}
}

// Reconcile compares snap with the store and rewrites every date whose
// persisted record differs. Date keys are evaluated independently: a store
// failure on one key is recorded in Report.Skipped and the pass continues.
//
// Per-date work is skipped when the persisted digest matches the digest of
// snap.Days. The digest covers the grouped buckets rather than the raw
// calendar, so buckets that move with the clock or the location are still
// reconciled while the feed bytes stay the same.
//
// The serialized calendar and then the digest are written after all dates,
// and only when every date succeeded. A persisted digest therefore always
// implies that the records it describes are in place. Dates that
// disappeared upstream are left alone.
//
// The returned error is non-nil only when ctx is cancelled; the report then
// covers the dates handled so far.
func (r *Reconciler) Reconcile(ctx context.Context, snap model.Snapshot) (Report, error) {
	rep := Report{DryRun: r.opts.DryRun}
	calPath := r.layout.CalendarPath()
	digestPath := r.layout.DigestPath()

	digest, err := Digest(snap.Days)
	if err != nil {
		appLog.Error("reconcile: digest failed; comparing every date", err)
		digest = ""
	}
	prevDigest := r.readOptional(ctx, digestPath)

	if !r.opts.FullCompare && digest != "" && prevDigest == digest {
		rep.ShortCircuited = true
		r.opts.Metrics.IncShortCircuit()
		appLog.Info("reconcile: day buckets unchanged", "dates", len(snap.Days))
	} else {
		for _, key := range snap.Days.Keys() {
			if err := ctx.Err(); err != nil {
				r.record(rep)
				return rep, err
			}

			changed, err := r.reconcileDate(ctx, key, snap.Days[key])
			switch {
			case err != nil:
				appLog.Error("reconcile: date skipped", err, "date", key)
				rep.Skipped = append(rep.Skipped, Skip{Key: key, Err: err})
			case changed:
				rep.Changed = append(rep.Changed, key)
				if !r.opts.DryRun {
					rep.Writes++
				}
			default:
				rep.Unchanged = append(rep.Unchanged, key)
			}
		}
	}

	if len(rep.Skipped) == 0 && len(snap.Raw) > 0 {
		prev, err := r.store.Read(ctx, calPath)
		if err != nil {
			r.opts.Metrics.IncStoreErrors("read")
			appLog.Error("reconcile: read persisted calendar failed; rewriting it", err, "path", calPath)
			prev = nil
		}
		if !bytes.Equal(prev, snap.Raw) {
			if err := r.writeWhole(ctx, calPath, snap.Raw); err != nil {
				appLog.Error("reconcile: calendar write failed", err, "path", calPath)
				rep.Skipped = append(rep.Skipped, Skip{Key: calPath, Err: err})
			} else {
				rep.CalendarWritten = true
				if !r.opts.DryRun {
					rep.Writes++
				}
			}
		}
	}

	if len(rep.Skipped) == 0 && digest != "" && digest != prevDigest {
		if err := r.writeWhole(ctx, digestPath, []byte(digest+"\n")); err != nil {
			appLog.Error("reconcile: digest write failed", err, "path", digestPath)
			rep.Skipped = append(rep.Skipped, Skip{Key: digestPath, Err: err})
		} else {
			rep.DigestWritten = true
		}
	}

	r.record(rep)
	appLog.Info("reconcile: pass finished",
		"changed", len(rep.Changed),
		"unchanged", len(rep.Unchanged),
		"skipped", len(rep.Skipped),
		"writes", rep.Writes,
		"calendar_written", rep.CalendarWritten,
		"short_circuited", rep.ShortCircuited,
		"dry_run", rep.DryRun,
	)
	return rep, nil
}

// readOptional returns the trimmed contents of p, or "" when p is absent or
// unreadable.
func (r *Reconciler) readOptional(ctx context.Context, p string) string {
	data, err := r.store.Read(ctx, p)
	if err != nil {
		r.opts.Metrics.IncStoreErrors("read")
		appLog.Error("reconcile: read failed; comparing every date", err, "path", p)
		return ""
	}
	return string(bytes.TrimSpace(data))
}

// reconcileDate reports whether the record for key differed (and was
// written). Only store I/O failures are returned.
func (r *Reconciler) reconcileDate(ctx context.Context, key string, events []model.Event) (bool, error) {
	p := r.layout.HomeworkPath(key)
	want := model.Entries(events)

	data, err := r.store.Read(ctx, p)
	if err != nil {
		r.opts.Metrics.IncStoreErrors("read")
		return false, err
	}

	if data != nil {
		have, err := DecodeRecord(p, data)
		if err != nil {
			appLog.Error("reconcile: persisted record unreadable; treating as absent", err, "date", key)
		} else if model.EntriesEqual(have, want) {
			return false, nil
		}
	}

	if r.opts.DryRun {
		appLog.Info("reconcile: would write record", "date", key, "events", len(want))
		return true, nil
	}

	body, err := encodeRecord(want)
	if err != nil {
		return false, err
	}
	if err := r.store.MakeDir(ctx, r.layout.DateDir(key)); err != nil {
		r.opts.Metrics.IncStoreErrors("mkdir")
		return false, err
	}
	if err := r.store.Write(ctx, p, body); err != nil {
		r.opts.Metrics.IncStoreErrors("write")
		return false, err
	}
	appLog.Debug("reconcile: record written", "date", key, "events", len(want))
	return true, nil
}

func (r *Reconciler) writeWhole(ctx context.Context, p string, raw []byte) error {
	if r.opts.DryRun {
		appLog.Info("reconcile: would write", "path", p, "bytes", len(raw))
		return nil
	}
	if err := r.store.Write(ctx, p, raw); err != nil {
		r.opts.Metrics.IncStoreErrors("write")
		return err
	}
	return nil
}

func (r *Reconciler) record(rep Report) {
	r.opts.Metrics.IncRecordWrites(rep.Writes)
	r.opts.Metrics.IncDateOutcome(metrics.OutcomeChanged, len(rep.Changed))
	r.opts.Metrics.IncDateOutcome(metrics.OutcomeUnchanged, len(rep.Unchanged))
	r.opts.Metrics.IncDateOutcome(metrics.OutcomeSkipped, len(rep.Skipped))
}

// encodeRecord renders a day's entries the way they are persisted.
func encodeRecord(entries []model.HomeworkEntry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// Digest is the hex SHA-256 of every day's encoded record, in key order.
// Two buckets with equal records have equal digests.
func Digest(days model.DayBucket) (string, error) {
	h := sha256.New()
	for _, key := range days.Keys() {
		body, err := encodeRecord(model.Entries(days[key]))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n%d\n", key, len(body))
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DecodeRecord parses a persisted homework record.
func DecodeRecord(p string, data []byte) ([]model.HomeworkEntry, error) {
	var out []model.HomeworkEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.NewStoreDecode(p, err)
	}
	return out, nil
}

package video

import (
	"context"

	"github.com/goccy/go-json"

	"hwmirror/internal/apperr"
	appLog "hwmirror/internal/log"
	"hwmirror/internal/model"
	"hwmirror/internal/store"
)

// Tracker reads and appends the per-date download state.
type Tracker struct {
	store  store.Store
	layout store.Layout
}

func NewTracker(st store.Store, layout store.Layout) *Tracker {
	return &Tracker{store: st, layout: layout}
}

// Pending returns the references whose URL has no record yet. The result is
// deduplicated by URL and keeps first-seen order.
func (t *Tracker) Pending(refs []model.VideoReference, persisted []model.DownloadRecord) []model.VideoReference {
	seen := make(map[string]struct{}, len(persisted)+len(refs))
	for _, rec := range persisted {
		seen[rec.URL] = struct{}{}
	}

	var out []model.VideoReference
	for _, ref := range refs {
		if _, ok := seen[ref.URL]; ok {
			continue
		}
		seen[ref.URL] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// Load returns the persisted records for date. A missing record is empty;
// an unparseable one is logged and also treated as empty. Only store I/O
// failures are returned.
func (t *Tracker) Load(ctx context.Context, date string) ([]model.DownloadRecord, error) {
	p := t.layout.DownloadsPath(date)
	data, err := t.store.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var recs []model.DownloadRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		appLog.Error("video: download state unreadable; treating as empty", apperr.NewStoreDecode(p, err), "date", date)
		return nil, nil
	}
	return recs, nil
}

// Append persists persisted ++ recs as one whole-value write and returns the
// new list. Earlier entries are never rewritten. On error the persisted
// state is left as it was.
func (t *Tracker) Append(ctx context.Context, date string, persisted []model.DownloadRecord, recs ...model.DownloadRecord) ([]model.DownloadRecord, error) {
	next := make([]model.DownloadRecord, 0, len(persisted)+len(recs))
	next = append(next, persisted...)
	next = append(next, recs...)

	body, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := t.store.MakeDir(ctx, t.layout.DateDir(date)); err != nil {
		return nil, err
	}
	if err := t.store.Write(ctx, t.layout.DownloadsPath(date), body); err != nil {
		return nil, err
	}
	return next, nil
}

package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwmirror/internal/apperr"
	"hwmirror/internal/ics"
	"hwmirror/internal/store"
)

const feed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//hwmirror//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:math-1\r\n" +
	"DTSTART:20180305T000000Z\r\n" +
	"SUMMARY:Math\r\n" +
	"DESCRIPTION:homework here http://youtube.com/x\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:broken\r\n" +
	"SUMMARY:No start\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var layout = store.Layout{Root: "homework"}

type countingBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *countingBackend) Fetch(_ context.Context, _ string, dir string) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	p := filepath.Join(dir, "Lesson.x.mp4")
	return p, os.WriteFile(p, []byte("video"), 0o600)
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func staticSource(body string) ics.Getter {
	return ics.GetterFunc(func(context.Context) ([]byte, error) { return []byte(body), nil })
}

func TestRunOnce_EndToEnd(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	be := &countingBackend{}

	svc, err := New(Config{
		Source:   staticSource(feed),
		Store:    mem,
		Layout:   layout,
		Location: shanghai(t),
		Backend:  be,
		TempDir:  t.TempDir(),
	})
	require.NoError(t, err)

	res, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, []string{"20180305"}, res.Reconcile.Changed)
	require.Len(t, res.Video.Downloaded, 1)

	record, err := mem.Read(ctx, layout.HomeworkPath("20180305"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"summary": "Math",
		"description": "homework here http://youtube.com/x",
		"timestamp": 1520236800,
		"human_readable_time": "2018-03-05T08:00:00+08:00"
	}]`, string(record))

	state, err := mem.Read(ctx, layout.DownloadsPath("20180305"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"http://youtube.com/x","filename":"Lesson.x.mp4"}]`, string(state))

	cal, err := mem.Read(ctx, layout.CalendarPath())
	require.NoError(t, err)
	assert.Equal(t, feed, string(cal))

	writes, uploads := mem.Writes(), mem.Uploads()

	res, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reconcile.ShortCircuited)
	assert.Empty(t, res.Video.Downloaded)
	assert.Equal(t, writes, mem.Writes())
	assert.Equal(t, uploads, mem.Uploads())
	assert.Equal(t, 1, be.calls)
}

func TestRunOnce_FullCompareStillIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	svc, err := New(Config{
		Source:      staticSource(feed),
		Store:       mem,
		Layout:      layout,
		Location:    shanghai(t),
		FullCompare: true,
	})
	require.NoError(t, err)

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	writes := mem.Writes()

	res, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Reconcile.Changed)
	assert.Equal(t, writes, mem.Writes())
}

const weeklyFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//hwmirror//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:reading-1\r\n" +
	"DTSTART:20180305T000000Z\r\n" +
	"RRULE:FREQ=WEEKLY\r\n" +
	"SUMMARY:Reading log\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestRunOnce_ClockMovesHorizonWithSameFeed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2018, 3, 5, 1, 0, 0, 0, time.UTC)

	svc, err := New(Config{
		Source:   staticSource(weeklyFeed),
		Store:    mem,
		Layout:   layout,
		Location: shanghai(t),
		Expand:   ics.ExpandConfig{HorizonDays: 3},
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20180305"}, res.Reconcile.Changed)

	now = now.AddDate(0, 0, 21)
	res, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Dates)
	assert.False(t, res.Reconcile.ShortCircuited)
	assert.Equal(t, []string{"20180312", "20180319", "20180326"}, res.Reconcile.Changed)
	assert.False(t, res.Reconcile.CalendarWritten)

	for _, key := range []string{"20180305", "20180312", "20180319", "20180326"} {
		ok, err := mem.Exists(ctx, layout.HomeworkPath(key))
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	res, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Reconcile.ShortCircuited)
}

func TestRunOnce_LocationChangeWithSameFeed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	run := func(loc *time.Location) Result {
		svc, err := New(Config{Source: staticSource(feed), Store: mem, Layout: layout, Location: loc})
		require.NoError(t, err)
		res, err := svc.RunOnce(ctx)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, []string{"20180305"}, run(shanghai(t)).Reconcile.Changed)

	res := run(time.UTC)
	assert.False(t, res.Reconcile.ShortCircuited)
	assert.Equal(t, []string{"20180305"}, res.Reconcile.Changed)

	data, err := mem.Read(ctx, layout.HomeworkPath("20180305"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2018-03-05T00:00:00Z")
}

func TestRunOnce_FetchFailure(t *testing.T) {
	mem := store.NewMemory()
	src := ics.GetterFunc(func(context.Context) ([]byte, error) {
		return nil, apperr.NewTransientFetch("fetch calendar", "https://example.com/...(redacted)", errors.New("timeout"))
	})

	svc, err := New(Config{Source: src, Store: mem, Layout: layout, Location: time.UTC})
	require.NoError(t, err)

	res, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeTransientFetch))
	assert.False(t, res.Completed)
	assert.Zero(t, mem.Writes())

	last, ok := svc.Last()
	require.True(t, ok)
	assert.Equal(t, res.RunID, last.RunID)
	assert.NotEmpty(t, last.Error)
}

func TestRunOnce_PartialFailureStillCompletes(t *testing.T) {
	mem := store.NewMemory()
	mem.FailOn = func(op, _ string) error {
		if op == "upload" {
			return errors.New("denied")
		}
		return nil
	}

	svc, err := New(Config{
		Source:   staticSource(feed),
		Store:    mem,
		Layout:   layout,
		Location: shanghai(t),
		Backend:  &countingBackend{},
		TempDir:  t.TempDir(),
	})
	require.NoError(t, err)

	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.Partial())
	assert.Equal(t, 1, res.Video.Outstanding)
}

func TestRunOnce_DryRun(t *testing.T) {
	mem := store.NewMemory()
	be := &countingBackend{}

	svc, err := New(Config{
		Source:   staticSource(feed),
		Store:    mem,
		Layout:   layout,
		Location: shanghai(t),
		Backend:  be,
		DryRun:   true,
	})
	require.NoError(t, err)

	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20180305"}, res.Reconcile.Changed)
	assert.Len(t, res.Video.Planned, 1)
	assert.Empty(t, mem.Paths())
	assert.Zero(t, be.calls)
}

func TestRunOnce_RunIDIsULID(t *testing.T) {
	now := time.Date(2018, 3, 5, 8, 0, 0, 0, time.UTC)
	svc, err := New(Config{
		Source:   staticSource(feed),
		Store:    store.NewMemory(),
		Layout:   layout,
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	res, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	id, err := ulid.Parse(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(now), id.Time())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: store.NewMemory(), Location: time.UTC})
	assert.Error(t, err)
	_, err = New(Config{Source: staticSource(feed), Location: time.UTC})
	assert.Error(t, err)
	_, err = New(Config{Source: staticSource(feed), Store: store.NewMemory()})
	assert.Error(t, err)
}

func TestLast_EmptyBeforeFirstPass(t *testing.T) {
	svc, err := New(Config{Source: staticSource(feed), Store: store.NewMemory(), Location: time.UTC})
	require.NoError(t, err)
	_, ok := svc.Last()
	assert.False(t, ok)
}

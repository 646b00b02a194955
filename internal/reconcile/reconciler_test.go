package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwmirror/internal/apperr"
	"hwmirror/internal/model"
	"hwmirror/internal/store"
)

var layout = store.Layout{Root: "homework"}

func ev(date, summary, desc string, ts float64) model.Event {
	return model.Event{
		Summary:           summary,
		Description:       desc,
		DateKey:           date,
		Timestamp:         ts,
		HumanReadableTime: "2018-03-05T08:00:00+08:00",
	}
}

func snapshot(raw string, events ...model.Event) model.Snapshot {
	return model.Snapshot{Days: model.Group(events), Raw: []byte(raw)}
}

func baseSnapshot() model.Snapshot {
	return snapshot("cal-v1",
		ev("20180305", "Math", "p. 12", 1520236800),
		ev("20180305", "Reading", "", 1520240400),
		ev("20180306", "Science", "lab", 1520323200),
	)
}

func TestReconcile_FirstPassThenIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})

	rep, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, []string{"20180305", "20180306"}, rep.Changed)
	assert.Empty(t, rep.Skipped)
	assert.True(t, rep.CalendarWritten)
	assert.True(t, rep.DigestWritten)
	assert.Equal(t, 3, rep.Writes)
	assert.Equal(t, 4, mem.Writes())

	rep, err = r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.True(t, rep.ShortCircuited)
	assert.Empty(t, rep.Changed)
	assert.Zero(t, rep.Writes)
	assert.False(t, rep.DigestWritten)
	assert.Equal(t, 4, mem.Writes())
}

func TestReconcile_FullCompareSecondPassWritesNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{FullCompare: true})

	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	before := mem.Writes()

	rep, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.False(t, rep.ShortCircuited)
	assert.Empty(t, rep.Changed)
	assert.Equal(t, []string{"20180305", "20180306"}, rep.Unchanged)
	assert.False(t, rep.CalendarWritten)
	assert.Equal(t, before, mem.Writes())
}

func TestReconcile_OnlyChangedDateIsWritten(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})

	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	next := snapshot("cal-v2",
		ev("20180305", "Math", "p. 12", 1520236800),
		ev("20180305", "Reading", "", 1520240400),
		ev("20180306", "Science", "lab report due", 1520323200),
	)
	rep, err := r.Reconcile(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"20180306"}, rep.Changed)
	assert.Equal(t, []string{"20180305"}, rep.Unchanged)
	assert.Equal(t, 2, rep.Writes)

	data, err := mem.Read(ctx, layout.HomeworkPath("20180306"))
	require.NoError(t, err)
	got, err := DecodeRecord("x", data)
	require.NoError(t, err)
	assert.Equal(t, "lab report due", got[0].Description)
}

func TestReconcile_OrderChangeIsAChange(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})

	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	swapped := snapshot("cal-v2",
		ev("20180305", "Reading", "", 1520240400),
		ev("20180305", "Math", "p. 12", 1520236800),
		ev("20180306", "Science", "lab", 1520323200),
	)
	rep, err := r.Reconcile(ctx, swapped)
	require.NoError(t, err)
	assert.Equal(t, []string{"20180305"}, rep.Changed)
}

func TestReconcile_MalformedRecordIsRewritten(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Write(ctx, layout.HomeworkPath("20180305"), []byte("not json")))

	r := New(mem, layout, Options{})
	rep, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.Contains(t, rep.Changed, "20180305")
	assert.Empty(t, rep.Skipped)

	data, err := mem.Read(ctx, layout.HomeworkPath("20180305"))
	require.NoError(t, err)
	got, err := DecodeRecord("x", data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Math", got[0].Summary)
}

func TestDecodeRecord_Malformed(t *testing.T) {
	_, err := DecodeRecord("homework/20180305/homework.json", []byte("not json"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeStoreDecode))
}

func TestReconcile_RecordShape(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	_, err := New(mem, layout, Options{}).Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	data, err := mem.Read(ctx, layout.HomeworkPath("20180306"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"summary": "Science",
		"description": "lab",
		"timestamp": 1520323200,
		"human_readable_time": "2018-03-05T08:00:00+08:00"
	}]`, string(data))
	assert.True(t, mem.Files()[layout.CalendarPath()] != nil)
}

func TestReconcile_WriteFailureSkipsDateAndHoldsCalendar(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	failing := layout.HomeworkPath("20180305")
	mem.FailOn = func(op, p string) error {
		if op == "write" && p == failing {
			return errors.New("disk full")
		}
		return nil
	}

	r := New(mem, layout, Options{})
	rep, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, "20180305", rep.Skipped[0].Key)
	assert.True(t, apperr.Is(rep.Skipped[0].Err, apperr.CodeStore))
	assert.Equal(t, []string{"20180306"}, rep.Changed)
	assert.False(t, rep.CalendarWritten)
	assert.False(t, rep.DigestWritten)

	for _, p := range []string{layout.CalendarPath(), layout.DigestPath()} {
		ok, err := mem.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}

	mem.FailOn = nil
	rep, err = r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.False(t, rep.ShortCircuited)
	assert.Equal(t, []string{"20180305"}, rep.Changed)
	assert.Equal(t, []string{"20180306"}, rep.Unchanged)
	assert.True(t, rep.CalendarWritten)
}

func TestReconcile_CalendarThenDigestWrittenLast(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	var writes []string
	mem.FailOn = func(op, p string) error {
		if op == "write" {
			writes = append(writes, p)
		}
		return nil
	}

	_, err := New(mem, layout, Options{}).Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	require.Len(t, writes, 4)
	assert.Equal(t, []string{layout.CalendarPath(), layout.DigestPath()}, writes[2:])
}

func TestReconcile_DigestReadFailureFallsBackToPerDate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})
	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	mem.FailOn = func(op, p string) error {
		if op == "read" && p == layout.DigestPath() {
			return errors.New("timeout")
		}
		return nil
	}
	rep, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.False(t, rep.ShortCircuited)
	assert.Empty(t, rep.Changed)
	assert.Len(t, rep.Unchanged, 2)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	rep, err := New(mem, layout, Options{DryRun: true}).Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, []string{"20180305", "20180306"}, rep.Changed)
	assert.True(t, rep.CalendarWritten)
	assert.Zero(t, rep.Writes)
	assert.Zero(t, mem.Writes())
	assert.Empty(t, mem.Paths())
}

func TestReconcile_StaleDatesAreKept(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	stale := layout.HomeworkPath("20170101")
	require.NoError(t, mem.Write(ctx, stale, []byte(`[]`)))

	_, err := New(mem, layout, Options{}).Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	ok, err := mem.Exists(ctx, stale)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcile_CreatesDateDirBeforeWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	var ops []string
	mem.FailOn = func(op, p string) error {
		if p == layout.DateDir("20180306") || p == layout.HomeworkPath("20180306") {
			ops = append(ops, op)
		}
		return nil
	}

	_, err := New(mem, layout, Options{}).Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "mkdir", "write"}, ops)
}

func TestReconcile_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mem := store.NewMemory()
	rep, err := New(mem, layout, Options{}).Reconcile(ctx, baseSnapshot())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Changed)
	assert.Zero(t, mem.Writes())
}

func TestReconcile_SingleFieldChangeWritesOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Write(ctx, layout.CalendarPath(), []byte("cal")))
	require.NoError(t, mem.Write(ctx, layout.HomeworkPath("20180101"),
		[]byte(`[{"summary":"A","description":"","timestamp":1.0,"human_readable_time":"t"}]`)))

	var recordWrites int
	mem.FailOn = func(op, p string) error {
		if op == "write" && p == layout.HomeworkPath("20180101") {
			recordWrites++
		}
		return nil
	}

	r := New(mem, layout, Options{FullCompare: true})
	same := model.Snapshot{Raw: []byte("cal"), Days: model.DayBucket{
		"20180101": {{Summary: "A", DateKey: "20180101", Timestamp: 1.0, HumanReadableTime: "t"}},
	}}
	rep, err := r.Reconcile(ctx, same)
	require.NoError(t, err)
	assert.Empty(t, rep.Changed)
	assert.Zero(t, rep.Writes)
	assert.Zero(t, recordWrites)

	changed := model.Snapshot{Raw: []byte("cal"), Days: model.DayBucket{
		"20180101": {{Summary: "B", DateKey: "20180101", Timestamp: 1.0, HumanReadableTime: "t"}},
	}}
	rep, err = r.Reconcile(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, []string{"20180101"}, rep.Changed)
	assert.Equal(t, 1, rep.Writes)
	assert.Equal(t, 1, recordWrites)
}

func TestReconcile_SameBytesNewBucketsAreReconciled(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})

	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	// Same feed bytes, but a later clock brought another occurrence into
	// range.
	grown := snapshot("cal-v1",
		ev("20180305", "Math", "p. 12", 1520236800),
		ev("20180305", "Reading", "", 1520240400),
		ev("20180306", "Science", "lab", 1520323200),
		ev("20180312", "Math", "p. 12", 1520841600),
	)
	rep, err := r.Reconcile(ctx, grown)
	require.NoError(t, err)
	assert.False(t, rep.ShortCircuited)
	assert.Equal(t, []string{"20180312"}, rep.Changed)
	assert.False(t, rep.CalendarWritten)
	assert.True(t, rep.DigestWritten)

	ok, err := mem.Exists(ctx, layout.HomeworkPath("20180312"))
	require.NoError(t, err)
	assert.True(t, ok)

	rep, err = r.Reconcile(ctx, grown)
	require.NoError(t, err)
	assert.True(t, rep.ShortCircuited)
}

func TestReconcile_NewBytesSameBucketsOnlyRewritesCalendar(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	r := New(mem, layout, Options{})

	_, err := r.Reconcile(ctx, baseSnapshot())
	require.NoError(t, err)

	restamped := baseSnapshot()
	restamped.Raw = []byte("cal-v1 with new DTSTAMP")
	rep, err := r.Reconcile(ctx, restamped)
	require.NoError(t, err)
	assert.True(t, rep.ShortCircuited)
	assert.Empty(t, rep.Changed)
	assert.True(t, rep.CalendarWritten)
	assert.False(t, rep.DigestWritten)
	assert.Equal(t, 1, rep.Writes)

	cal, err := mem.Read(ctx, layout.CalendarPath())
	require.NoError(t, err)
	assert.Equal(t, "cal-v1 with new DTSTAMP", string(cal))
}

func TestDigest(t *testing.T) {
	a, err := Digest(baseSnapshot().Days)
	require.NoError(t, err)
	b, err := Digest(baseSnapshot().Days)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	moved := snapshot("cal-v1",
		ev("20180305", "Reading", "", 1520240400),
		ev("20180305", "Math", "p. 12", 1520236800),
		ev("20180306", "Science", "lab", 1520323200),
	)
	c, err := Digest(moved.Days)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

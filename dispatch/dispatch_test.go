package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nugget-notifier/content"
	"nugget-notifier/pkg/nugget"
	"nugget-notifier/storage"
)

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, weights [nugget.NumLessons]int) (*nugget.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := nugget.EnabledIndices(weights)
	if len(idx) == 0 {
		return nil, content.ErrNoEligibleCategory
	}
	return &nugget.Content{Channel: content.Channels[idx[0]], Lesson: idx[0], Title: "t", Reference: "ref"}, nil
}

type fakeSender struct {
	mu      sync.Mutex
	nuggets []string
	prompts []string
	failFor map[string]bool
}

func (s *fakeSender) SendNugget(_ context.Context, to string, _ *nugget.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[to] {
		return errors.New("gateway rejected")
	}
	s.nuggets = append(s.nuggets, to)
	return nil
}

func (s *fakeSender) SendPrompt(_ context.Context, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, to)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	mem     *storage.Memory
	reg     *storage.Registry
	fetcher *fakeFetcher
	sender  *fakeSender
	clock   *clock
	sched   *Scheduler
}

func newFixture(t *testing.T, subs ...*nugget.Subscriber) *fixture {
	t.Helper()
	f := &fixture{
		mem:     storage.NewMemory(),
		fetcher: &fakeFetcher{},
		sender:  &fakeSender{failFor: map[string]bool{}},
		clock:   &clock{t: t0},
	}
	f.reg = storage.NewRegistry(f.mem, discardLogger())
	require.NoError(t, f.reg.Update(context.Background(), func(m map[string]*nugget.Subscriber) error {
		for _, s := range subs {
			m[s.ID] = s
		}
		return nil
	}))
	f.mem.Saves = 0
	f.sched = New(f.reg, f.fetcher, f.sender, discardLogger(), f.clock.now, time.Second)
	return f
}

func (f *fixture) get(t *testing.T, id string) *nugget.Subscriber {
	t.Helper()
	s, err := f.reg.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestTickConsumesSyncIntervalsCyclically(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	sub.SendIntervals = []int64{3_600_000, 7_200_000, 10_800_000}
	f := newFixture(t, sub)

	var gaps []time.Duration
	for range 6 {
		f.clock.t = f.get(t, sub.ID).NextSendTime
		res, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.Sent)
		gaps = append(gaps, f.get(t, sub.ID).NextSendTime.Sub(f.clock.t))
	}

	assert.Equal(t, []time.Duration{
		time.Hour, 2 * time.Hour, 3 * time.Hour,
		time.Hour, 2 * time.Hour, 3 * time.Hour,
	}, gaps)
	assert.Equal(t, 6, f.get(t, sub.ID).MessageCount)
	assert.Len(t, f.sender.nuggets, 6)
}

func TestTickNotDueDoesNothing(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	sub.NextSendTime = t0.Add(time.Minute)
	f := newFixture(t, sub)

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, f.fetcher.calls)
	assert.Equal(t, 0, f.mem.Saves)
}

func TestTickPromptsExactlyOnceAtThreshold(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	sub.MessageCount = 98
	f := newFixture(t, sub)

	for i := range 4 {
		f.clock.t = f.get(t, sub.ID).NextSendTime
		res, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, 1, res.Prompts)
		} else {
			assert.Equal(t, 0, res.Prompts)
		}
	}

	assert.Equal(t, []string{sub.ID}, f.sender.prompts)
	assert.Equal(t, 102, f.get(t, sub.ID).MessageCount)
}

func TestTickExpiresIdempotently(t *testing.T) {
	end := t0.Add(-time.Minute)
	sub := nugget.New("+15550001111", t0.Add(-time.Hour), &end)
	f := newFixture(t, sub)

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.False(t, f.get(t, sub.ID).Active)
	assert.Equal(t, 1, f.mem.Saves)

	f.clock.t = t0.Add(time.Hour)
	res, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, f.mem.Saves)

	assert.Equal(t, 0, f.fetcher.calls)
	assert.Empty(t, f.sender.nuggets)
	assert.Empty(t, f.sender.prompts)
}

func TestTickSkipsInactive(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	sub.Active = false
	f := newFixture(t, sub)

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.fetcher.calls)
	assert.Empty(t, f.sender.nuggets)
}

func TestTickFailureLeavesStateAndOthersProceed(t *testing.T) {
	bad := nugget.New("+15550001111", t0, nil)
	good := nugget.New("+15550002222", t0, nil)
	f := newFixture(t, bad, good)
	f.sender.failFor[bad.ID] = true

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)

	b := f.get(t, bad.ID)
	assert.Equal(t, 0, b.MessageCount)
	assert.Equal(t, t0, b.NextSendTime)
	assert.Equal(t, 0, b.CurrentIntervalIndex)

	g := f.get(t, good.ID)
	assert.Equal(t, 1, g.MessageCount)
	assert.Equal(t, t0.Add(time.Hour), g.NextSendTime)
}

func TestTickFetchFailureDoesNotAdvance(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	f := newFixture(t, sub)
	f.fetcher.err = content.ErrContentUnavailable

	res, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, f.get(t, sub.ID).MessageCount)
	assert.Empty(t, f.sender.nuggets)
}

func TestTickAllZeroWeightsSkipsNetworkAndSend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := nugget.New("+15550001111", t0, nil)
	sub.LessonWeights = [nugget.NumLessons]int{}
	f := newFixture(t, sub)
	fetcher := content.New(&content.Config{
		BaseURL:    srv.URL,
		Logger:     discardLogger(),
		Archive:    content.NewArchive([]byte("test"), storage.NewMemory()),
		RetryDelay: time.Millisecond,
		MaxJitter:  time.Millisecond,
	})
	sched := New(f.reg, fetcher, f.sender, discardLogger(), f.clock.now, time.Second)

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, f.sender.nuggets)
	assert.Equal(t, 0, f.get(t, sub.ID).MessageCount)
}

func TestTickStoreUnavailable(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)

	t.Run("load", func(t *testing.T) {
		f := newFixture(t, sub.Clone())
		f.mem.LoadErr = errors.New("bucket gone")
		_, err := f.sched.Tick(context.Background())
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
		assert.Equal(t, 0, f.fetcher.calls)
	})

	t.Run("save", func(t *testing.T) {
		f := newFixture(t, sub.Clone())
		f.mem.SaveErr = errors.New("disk full")
		_, err := f.sched.Tick(context.Background())
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)

		f.mem.SaveErr = nil
		assert.Equal(t, 0, f.get(t, sub.ID).MessageCount)
		assert.Empty(t, f.sender.prompts)
	})
}

func TestTickKeepsConcurrentCommandChanges(t *testing.T) {
	sub := nugget.New("+15550001111", t0, nil)
	f := newFixture(t, sub)

	// A command lands between the snapshot and the merge.
	racing := &racingFetcher{inner: f.fetcher, reg: f.reg, id: sub.ID}
	sched := New(f.reg, racing, f.sender, discardLogger(), f.clock.now, time.Second)

	_, err := sched.Tick(context.Background())
	require.NoError(t, err)

	got := f.get(t, sub.ID)
	assert.Equal(t, []int{3}, got.ActiveLessons())
	assert.Equal(t, 1, got.MessageCount)
}

type racingFetcher struct {
	inner Fetcher
	reg   *storage.Registry
	id    string
}

func (r *racingFetcher) Fetch(ctx context.Context, weights [nugget.NumLessons]int) (*nugget.Content, error) {
	err := r.reg.Update(ctx, func(m map[string]*nugget.Subscriber) error {
		m[r.id].LessonWeights = [nugget.NumLessons]int{0, 0, 0, 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.inner.Fetch(ctx, weights)
}

// ctxBackend fails like a network store once its context is done.
type ctxBackend struct {
	*storage.Memory
}

func (b ctxBackend) Load(ctx context.Context) (map[string]*nugget.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Memory.Load(ctx)
}

func (b ctxBackend) Save(ctx context.Context, subs map[string]*nugget.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Memory.Save(ctx, subs)
}

type cancellingFetcher struct {
	inner  Fetcher
	cancel context.CancelFunc
}

func (c *cancellingFetcher) Fetch(ctx context.Context, weights [nugget.NumLessons]int) (*nugget.Content, error) {
	defer c.cancel()
	return c.inner.Fetch(ctx, weights)
}

func TestTickRecordsSendsWhenCancelledMidScan(t *testing.T) {
	first := nugget.New("+15550001111", t0, nil)
	second := nugget.New("+15550002222", t0, nil)
	f := newFixture(t)

	reg := storage.NewRegistry(ctxBackend{f.mem}, discardLogger())
	require.NoError(t, reg.Update(context.Background(), func(m map[string]*nugget.Subscriber) error {
		m[first.ID] = first
		m[second.ID] = second
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancellingFetcher{inner: f.fetcher, cancel: cancel}
	sched := New(reg, fetcher, f.sender, discardLogger(), f.clock.now, time.Second)

	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{first.ID}, f.sender.nuggets)

	got, err := reg.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
	assert.Equal(t, t0.Add(time.Hour), got.NextSendTime)

	got, err = reg.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

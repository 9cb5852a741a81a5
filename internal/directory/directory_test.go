package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"group_ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	entries []models.Instrument
	err     error
}

func (f *fakeSource) FetchDirectory(context.Context) ([]models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.entries, f.err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLookup map[string]models.Instrument

func (f fakeLookup) LookupInstrument(_ context.Context, token string) (models.Instrument, error) {
	if token == "BOOM" {
		return models.Instrument{}, errors.New("lookup down")
	}
	return f[token], nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func TestResolve_Order(t *testing.T) {
	d := New(WithSeed([]models.Instrument{
		{Code: "2330", Name: "台積電"},
		{Code: "2454", Name: "聯發科"},
		{Code: "6770", Name: "力積電"},
		{Code: "AAPL", Name: "Apple Inc."},
	}))
	ctx := context.Background()

	cases := []struct {
		token string
		want  models.Instrument
	}{
		{"2330", models.Instrument{Code: "2330", Name: "台積電"}},
		{"台積電", models.Instrument{Code: "2330", Name: "台積電"}},
		{"積電", models.Instrument{Code: "2330", Name: "台積電"}},
		{"aapl", models.Instrument{Code: "AAPL", Name: "Apple Inc."}},
		{"apple", models.Instrument{Code: "AAPL", Name: "Apple Inc."}},
		{"力積", models.Instrument{Code: "6770", Name: "力積電"}},
		{"不存在", models.Instrument{Name: "不存在"}},
	}
	for _, tc := range cases {
		t.Run(tc.token, func(t *testing.T) {
			assert.Equal(t, tc.want, d.Resolve(ctx, tc.token))
		})
	}
}

func TestResolve_ExternalLookup(t *testing.T) {
	d := New(WithLookup(fakeLookup{"NVDA": {Code: "NVDA", Name: "NVIDIA Corp"}}))
	ctx := context.Background()

	got := d.Resolve(ctx, "NVDA")
	assert.Equal(t, "NVDA", got.Code)
	before := d.Len()

	// cached after the first hit
	assert.Equal(t, got, d.Resolve(ctx, "nvidia"))
	assert.Equal(t, before, d.Len())

	assert.Equal(t, models.Instrument{Name: "BOOM"}, d.Resolve(ctx, "BOOM"))
	assert.Equal(t, models.Instrument{Name: "XYZ"}, d.Resolve(ctx, "XYZ"))
}

func TestResolve_LazyRefresh(t *testing.T) {
	c := &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	src := &fakeSource{entries: []models.Instrument{{Code: "1101", Name: "台泥"}}}
	d := New(WithClock(c.Now), WithSource(src), WithTTL(time.Hour))
	ctx := context.Background()

	assert.Equal(t, "1101", d.Resolve(ctx, "台泥").Code)
	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, c.t, d.FetchedAt())

	// the refreshed table replaces the seed
	assert.Equal(t, models.Instrument{Name: "台積電"}, d.Resolve(ctx, "台積電"))
	assert.Equal(t, 1, src.Calls(), "fresh table is not refetched")

	c.t = c.t.Add(time.Hour)
	d.Resolve(ctx, "台泥")
	assert.Equal(t, 2, src.Calls())
}

func TestResolve_FailedRefreshKeepsTableAndBacksOff(t *testing.T) {
	c := &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	src := &fakeSource{err: errors.New("upstream 503")}
	d := New(WithClock(c.Now), WithSource(src), WithRetryAfter(10*time.Minute))
	ctx := context.Background()

	assert.Equal(t, "2330", d.Resolve(ctx, "台積電").Code, "seed still answers")
	assert.Equal(t, 1, src.Calls())

	d.Resolve(ctx, "台積電")
	assert.Equal(t, 1, src.Calls(), "no retry inside the window")

	c.t = c.t.Add(10 * time.Minute)
	d.Resolve(ctx, "台積電")
	assert.Equal(t, 2, src.Calls())
	assert.True(t, d.FetchedAt().IsZero())
}

func TestRefresh(t *testing.T) {
	t.Run("empty listing is an error", func(t *testing.T) {
		d := New(WithSource(&fakeSource{}))
		require.Error(t, d.Refresh(context.Background()))
		assert.Equal(t, len(Seed), d.Len())
	})

	t.Run("no source is a no-op", func(t *testing.T) {
		d := New()
		require.NoError(t, d.Refresh(context.Background()))
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{entries: []models.Instrument{{Code: "1101", Name: "台泥"}}}
	d := New(WithSource(src), WithTTL(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

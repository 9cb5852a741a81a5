// Package directory resolves user-typed stock tokens to instruments using a
// periodically refreshed name/code table.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"group_ledger/internal/models"

	"go.uber.org/zap"
)

// Source fetches the full listing, e.g. every instrument traded today.
type Source interface {
	FetchDirectory(ctx context.Context) ([]models.Instrument, error)
}

// Lookup resolves a single token the table does not know.
type Lookup interface {
	LookupInstrument(ctx context.Context, token string) (models.Instrument, error)
}

const (
	DefaultTTL        = 24 * time.Hour
	DefaultRetryAfter = 5 * time.Minute
)

// Seed is the built-in table used until the first successful refresh.
var Seed = []models.Instrument{
	{Code: "0050", Name: "元大台灣50"},
	{Code: "0056", Name: "元大高股息"},
	{Code: "2303", Name: "聯電"},
	{Code: "2308", Name: "台達電"},
	{Code: "2317", Name: "鴻海"},
	{Code: "2330", Name: "台積電"},
	{Code: "2412", Name: "中華電"},
	{Code: "2454", Name: "聯發科"},
	{Code: "2603", Name: "長榮"},
	{Code: "2881", Name: "富邦金"},
	{Code: "2882", Name: "國泰金"},
	{Code: "3008", Name: "大立光"},
}

// Directory is an explicit cache object: callers own its lifetime and clock.
type Directory struct {
	mu     sync.RWMutex
	byCode map[string]models.Instrument
	byName map[string]models.Instrument
	codes  []string

	fetchedAt   time.Time
	lastAttempt time.Time
	refreshing  sync.Mutex

	ttl        time.Duration
	retryAfter time.Duration
	now        func() time.Time
	source     Source
	lookup     Lookup
	log        *zap.Logger
}

// Option configures a Directory.
type Option func(*Directory)

func WithClock(now func() time.Time) Option { return func(d *Directory) { d.now = now } }
func WithTTL(ttl time.Duration) Option      { return func(d *Directory) { d.ttl = ttl } }
func WithRetryAfter(r time.Duration) Option { return func(d *Directory) { d.retryAfter = r } }
func WithSource(s Source) Option            { return func(d *Directory) { d.source = s } }
func WithLookup(l Lookup) Option            { return func(d *Directory) { d.lookup = l } }
func WithLogger(l *zap.Logger) Option       { return func(d *Directory) { d.log = l } }

// WithSeed replaces the built-in table.
func WithSeed(entries []models.Instrument) Option {
	return func(d *Directory) { d.replace(entries) }
}

// New returns a directory primed with Seed.
func New(opts ...Option) *Directory {
	d := &Directory{
		ttl:        DefaultTTL,
		retryAfter: DefaultRetryAfter,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	d.replace(Seed)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) replace(entries []models.Instrument) {
	byCode := make(map[string]models.Instrument, len(entries))
	byName := make(map[string]models.Instrument, len(entries))
	for _, e := range entries {
		e.Code = strings.TrimSpace(e.Code)
		e.Name = strings.TrimSpace(e.Name)
		if e.Code == "" {
			continue
		}
		if e.Name == "" {
			e.Name = e.Code
		}
		byCode[strings.ToUpper(e.Code)] = e
		if _, dup := byName[e.Name]; !dup {
			byName[e.Name] = e
		}
	}
	codes := make([]string, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	d.mu.Lock()
	d.byCode, d.byName, d.codes = byCode, byName, codes
	d.mu.Unlock()
}

func (d *Directory) add(inst models.Instrument) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToUpper(inst.Code)
	if _, ok := d.byCode[key]; !ok {
		d.byCode[key] = inst
		d.codes = append(d.codes, key)
		sort.Strings(d.codes)
	}
	if _, ok := d.byName[inst.Name]; !ok {
		d.byName[inst.Name] = inst
	}
}

// Resolve maps token to an instrument: exact code, exact name, first name
// containing the token in code order, then the external lookup. An unknown
// token comes back as {Code: "", Name: token}.
func (d *Directory) Resolve(ctx context.Context, token string) models.Instrument {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Instrument{}
	}
	d.maybeRefresh(ctx)

	if inst, ok := d.match(token); ok {
		return inst
	}
	if d.lookup != nil {
		inst, err := d.lookup.LookupInstrument(ctx, token)
		switch {
		case err != nil:
			d.log.Warn("instrument lookup failed", zap.String("token", token), zap.Error(err))
		case inst.Code != "":
			d.add(inst)
			return inst
		}
	}
	return models.Instrument{Name: token}
}

func (d *Directory) match(token string) (models.Instrument, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if inst, ok := d.byCode[strings.ToUpper(token)]; ok {
		return inst, true
	}
	if inst, ok := d.byName[token]; ok {
		return inst, true
	}
	lower := strings.ToLower(token)
	for _, c := range d.codes {
		inst := d.byCode[c]
		if strings.Contains(strings.ToLower(inst.Name), lower) {
			return inst, true
		}
	}
	return models.Instrument{}, false
}

func (d *Directory) stale(now time.Time) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchedAt.IsZero() || now.Sub(d.fetchedAt) >= d.ttl
}

// maybeRefresh refreshes a stale table at most once per retry window.
// Concurrent callers keep using the current table instead of waiting.
func (d *Directory) maybeRefresh(ctx context.Context) {
	if d.source == nil {
		return
	}
	now := d.now()
	if !d.stale(now) {
		return
	}
	d.mu.RLock()
	recent := !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < d.retryAfter
	d.mu.RUnlock()
	if recent {
		return
	}
	if !d.refreshing.TryLock() {
		return
	}
	defer d.refreshing.Unlock()
	if err := d.refresh(ctx); err != nil {
		d.log.Warn("directory refresh failed, keeping stale table", zap.Error(err))
	}
}

// Refresh reloads the table from the source. On failure the current table
// is kept.
func (d *Directory) Refresh(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	d.refreshing.Lock()
	defer d.refreshing.Unlock()
	return d.refresh(ctx)
}

func (d *Directory) refresh(ctx context.Context) error {
	now := d.now()
	d.mu.Lock()
	d.lastAttempt = now
	d.mu.Unlock()

	entries, err := d.source.FetchDirectory(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch directory: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("failed to fetch directory: empty listing")
	}
	d.replace(entries)

	d.mu.Lock()
	d.fetchedAt = now
	d.mu.Unlock()
	d.log.Info("directory refreshed", zap.Int("entries", len(entries)))
	return nil
}

// Run refreshes on start and then every TTL until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	if d.source == nil {
		return
	}
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn("initial directory refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(d.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("directory refresh failed", zap.Error(err))
			}
		}
	}
}

// Len returns the number of known instruments.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byCode)
}

// FetchedAt returns the time of the last successful refresh, zero if none.
func (d *Directory) FetchedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchedAt
}

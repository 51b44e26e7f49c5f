package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/workspace"
)

// Labels stamped on every image the cache builds.
const (
	LabelKey      = "execbox.cache-key"
	LabelLanguage = "execbox.language"
)

const (
	removeTimeout  = time.Minute
	removeParallel = 4
)

// Outcome says how GetOrBuild obtained an image.
type Outcome string

const (
	// OutcomeHit means the image already existed on the engine.
	OutcomeHit Outcome = "hit"
	// OutcomeBuilt means this call built the image.
	OutcomeBuilt Outcome = "built"
	// OutcomeAwaited means this call waited for another caller's build.
	OutcomeAwaited Outcome = "awaited"
)

// Engine is the image side of the container engine.
type Engine interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, ref string, buildContext io.Reader, labels map[string]string) error
	RemoveImage(ctx context.Context, ref string) error
	ListImages(ctx context.Context, label string) ([]engine.ImageInfo, error)
}

// BuildRequest describes the image a request needs.
type BuildRequest struct {
	Language     string
	BaseImage    string
	Dependencies []string
	// ContextDir holds the Dockerfile and any files it copies.
	ContextDir string
}

// Lease pins an image against eviction until Release is called.
type Lease struct {
	Ref     string
	Key     Key
	Outcome Outcome

	once    sync.Once
	release func()
}

// NewLease returns a lease whose Release calls release once.
func NewLease(ref string, key Key, outcome Outcome, release func()) *Lease {
	return &Lease{Ref: ref, Key: key, Outcome: outcome, release: release}
}

// Release unpins the image. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// flight marks a key whose image is being resolved or removed. Waiters block
// on done and then read outcome and err.
type flight struct {
	done    chan struct{}
	removal bool
	waiters int
	outcome Outcome
	err     error
}

// Options configures a Cache.
type Options struct {
	MaxSize       int
	ImagePrefix   string
	BuildTimeout  time.Duration
	SweepInterval time.Duration
	// Store persists records; nil disables persistence.
	Store *MetadataStore
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries  int
	Leased   int
	InFlight int
	Waiting  int
}

// SweepResult reports what a Sweep changed.
type SweepResult struct {
	Dropped int
	Adopted int
	Evicted int
}

// Cache maps build inputs to engine images. It builds each key at most once
// at a time, shares the result with concurrent callers and keeps at most
// MaxSize unleased images, evicting the least recently used.
type Cache struct {
	engine Engine
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	records  map[Key]*Record
	inflight map[Key]*flight
	refs     map[Key]int

	saveMu sync.Mutex
}

// New returns an empty cache. Call Load to restore persisted records.
func New(eng Engine, logger *zap.Logger, opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}
	if opts.ImagePrefix == "" {
		opts.ImagePrefix = "cached-image"
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Cache{
		engine:   eng,
		logger:   logger.Named("imagecache"),
		opts:     opts,
		records:  make(map[Key]*Record),
		inflight: make(map[Key]*flight),
		refs:     make(map[Key]int),
	}
}

// NewFromConfig builds a cache from the cache and sandbox config sections
// and restores any persisted records.
func NewFromConfig(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) *Cache {
	var store *MetadataStore
	if cfg.Cache.MetadataPath != "" {
		store = NewMetadataStore(cfg.Cache.MetadataPath, nil)
	}

	c := New(eng, logger, Options{
		MaxSize:       cfg.Cache.MaxSize,
		ImagePrefix:   cfg.Cache.ImagePrefix,
		BuildTimeout:  cfg.GetBuildTimeout(),
		SweepInterval: cfg.GetEvictionInterval(),
		Store:         store,
	})
	if err := c.Load(); err != nil {
		c.logger.Warn("ignoring unreadable cache metadata", zap.Error(err))
	}
	return c
}

// Ref returns the image reference for key.
func (c *Cache) Ref(key Key) string {
	return c.opts.ImagePrefix + "-" + string(key)
}

// Load replaces the in-memory records with the persisted ones. Records are
// verified against the engine lazily, on lookup and on Sweep.
func (c *Cache) Load() error {
	if c.opts.Store == nil {
		return nil
	}
	records, err := c.opts.Store.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.records[rec.Key] = &rec
	}
	metrics.CacheEntries.Set(float64(len(c.records)))
	c.logger.Info("loaded cache metadata",
		zap.String("path", c.opts.Store.Path()),
		zap.Int("records", len(records)),
	)
	return nil
}

// GetOrBuild returns a lease on the image for req, building it when the
// engine does not have it. Concurrent calls for the same inputs share one
// build and all observe its result. The caller must Release the lease once
// no container uses the image any more.
func (c *Cache) GetOrBuild(ctx context.Context, req BuildRequest) (*Lease, error) {
	key := KeyFor(req.Language, req.BaseImage, req.Dependencies)

	for {
		c.mu.Lock()
		f, busy := c.inflight[key]
		if !busy {
			f = &flight{done: make(chan struct{})}
			c.inflight[key] = f
			c.mu.Unlock()
			return c.resolve(ctx, key, req, f)
		}
		f.waiters++
		c.mu.Unlock()

		select {
		case <-f.done:
		case <-ctx.Done():
			c.mu.Lock()
			f.waiters--
			c.mu.Unlock()
			return nil, fmt.Errorf("wait for image %s: %w", key.Short(), ctx.Err())
		}

		c.mu.Lock()
		f.waiters--
		if f.removal {
			c.mu.Unlock()
			continue
		}
		if f.err != nil {
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("failed").Inc()
			return nil, f.err
		}

		rec, ok := c.records[key]
		if !ok {
			// evicted or reconciled away between settle and wake-up
			c.mu.Unlock()
			continue
		}
		rec.LastUsedAt = c.opts.Clock()
		c.refs[key]++
		c.mu.Unlock()

		outcome := f.outcome
		if outcome == OutcomeBuilt {
			outcome = OutcomeAwaited
		}
		metrics.CacheLookups.WithLabelValues(string(outcome)).Inc()
		return c.lease(key, rec.Ref, outcome), nil
	}
}

// resolve owns flight f for key: it checks the engine, builds on a miss,
// publishes the result to waiters and evicts any surplus.
func (c *Cache) resolve(ctx context.Context, key Key, req BuildRequest, f *flight) (*Lease, error) {
	ref := c.Ref(key)
	outcome, err := c.ensure(ctx, key, ref, req)

	c.mu.Lock()
	delete(c.inflight, key)
	f.outcome, f.err = outcome, err

	var victims []*Record
	if err == nil {
		now := c.opts.Clock()
		rec, ok := c.records[key]
		if !ok {
			rec = &Record{Key: key, Ref: ref, Language: strings.ToLower(req.Language), CreatedAt: now}
			c.records[key] = rec
		}
		rec.LastUsedAt = now
		c.refs[key]++
		victims = c.selectVictimsLocked()
	} else if errors.Is(err, engine.ErrBuildFailed) {
		delete(c.records, key)
	}
	entries := len(c.records)
	close(f.done)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(entries))
	if err != nil {
		metrics.CacheLookups.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues(string(outcome)).Inc()

	c.removeVictims(victims)
	c.persist()

	return c.lease(key, ref, outcome), nil
}

// ensure makes sure ref exists on the engine. It runs detached from the
// caller's cancellation since waiters depend on its result.
func (c *Cache) ensure(ctx context.Context, key Key, ref string, req BuildRequest) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = "", fmt.Errorf("resolve image %s: panic: %v", key.Short(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.BuildTimeout)
	defer cancel()

	exists, err := c.engine.ImageExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return OutcomeHit, nil
	}

	c.mu.Lock()
	_, stale := c.records[key]
	c.mu.Unlock()
	if stale {
		c.logger.Info("cached image missing from engine, rebuilding", zap.String("ref", ref))
	}

	buildContext, err := workspace.CreateTarFromDir(req.ContextDir)
	if err != nil {
		return "", fmt.Errorf("%w: package build context: %w", workspace.ErrWorkspace, err)
	}

	labels := map[string]string{
		LabelKey:      string(key),
		LabelLanguage: strings.ToLower(req.Language),
	}

	start := time.Now()
	err = c.engine.BuildImage(ctx, ref, bytes.NewReader(buildContext), labels)
	metrics.ImageBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, engine.ErrBuildFailed) {
			err = &engine.BuildError{Ref: ref, Message: fmt.Sprintf("build timed out after %s", c.opts.BuildTimeout)}
		}
		c.logger.Warn("image build failed",
			zap.String("ref", ref),
			zap.String("language", req.Language),
			zap.Error(err),
		)
		return "", err
	}

	c.logger.Info("image built",
		zap.String("ref", ref),
		zap.String("language", req.Language),
		zap.Int("dependencies", len(NormalizeDependencies(req.Dependencies))),
		zap.Duration("duration", time.Since(start)),
	)
	return OutcomeBuilt, nil
}

func (c *Cache) lease(key Key, ref string, outcome Outcome) *Lease {
	return NewLease(ref, key, outcome, func() { c.unref(key) })
}

func (c *Cache) unref(key Key) {
	c.mu.Lock()
	if c.refs[key] <= 1 {
		delete(c.refs, key)
	} else {
		c.refs[key]--
	}
	victims := c.selectVictimsLocked()
	c.mu.Unlock()

	if len(victims) > 0 {
		c.removeVictims(victims)
		c.persist()
	}
}

// selectVictimsLocked picks the least recently used unleased records above
// MaxSize, drops them from the map and marks them as being removed.
func (c *Cache) selectVictimsLocked() []*Record {
	surplus := len(c.records) - c.opts.MaxSize
	if surplus <= 0 {
		return nil
	}

	candidates := make([]*Record, 0, len(c.records))
	for key, rec := range c.records {
		if c.refs[key] > 0 {
			continue
		}
		if _, busy := c.inflight[key]; busy {
			continue
		}
		candidates = append(candidates, rec)
	}
	slices.SortFunc(candidates, func(a, b *Record) int {
		if n := a.LastUsedAt.Compare(b.LastUsedAt); n != 0 {
			return n
		}
		return strings.Compare(string(a.Key), string(b.Key))
	})

	if len(candidates) > surplus {
		candidates = candidates[:surplus]
	}
	for _, rec := range candidates {
		delete(c.records, rec.Key)
		c.inflight[rec.Key] = &flight{done: make(chan struct{}), removal: true}
	}
	return candidates
}

// removeVictims deletes evicted images from the engine and settles their
// removal markers. Failures are logged and otherwise ignored.
func (c *Cache) removeVictims(victims []*Record) {
	if len(victims) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(removeParallel)
	for _, rec := range victims {
		g.Go(func() error {
			defer c.settleRemoval(rec.Key)
			if err := c.engine.RemoveImage(ctx, rec.Ref); err != nil {
				c.logger.Warn("failed to remove evicted image", zap.String("ref", rec.Ref), zap.Error(err))
				return nil
			}
			c.logger.Info("evicted image",
				zap.String("ref", rec.Ref),
				zap.Time("last_used_at", rec.LastUsedAt),
			)
			return nil
		})
	}
	_ = g.Wait()

	metrics.CacheEvictions.Add(float64(len(victims)))
	c.mu.Lock()
	metrics.CacheEntries.Set(float64(len(c.records)))
	c.mu.Unlock()
}

func (c *Cache) settleRemoval(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[key]; ok && f.removal {
		delete(c.inflight, key)
		close(f.done)
	}
}

// Sweep reconciles the records with the engine and evicts any surplus.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	dropped, adopted, err := c.reconcile(ctx)
	if err != nil {
		return res, err
	}
	res.Dropped, res.Adopted = dropped, adopted

	c.mu.Lock()
	victims := c.selectVictimsLocked()
	c.mu.Unlock()
	c.removeVictims(victims)
	res.Evicted = len(victims)

	if res != (SweepResult{}) {
		c.persist()
	}
	return res, nil
}

// reconcile drops records whose image disappeared from the engine and adopts
// labelled images the cache does not know about.
func (c *Cache) reconcile(ctx context.Context) (dropped, adopted int, err error) {
	images, err := c.engine.ListImages(ctx, LabelKey)
	if err != nil {
		return 0, 0, err
	}

	present := make(map[string]engine.ImageInfo, len(images))
	for _, img := range images {
		for _, tag := range img.Tags {
			present[strings.TrimSuffix(tag, ":latest")] = img
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, rec := range c.records {
		if _, busy := c.inflight[key]; busy {
			continue
		}
		if _, ok := present[rec.Ref]; !ok {
			delete(c.records, key)
			dropped++
			c.logger.Info("dropping record for missing image", zap.String("ref", rec.Ref))
		}
	}

	for ref, img := range present {
		key := Key(img.Labels[LabelKey])
		if key == "" || c.Ref(key) != ref {
			continue
		}
		if _, ok := c.records[key]; ok {
			continue
		}
		if _, busy := c.inflight[key]; busy {
			continue
		}
		created := time.Unix(img.Created, 0)
		c.records[key] = &Record{
			Key:        key,
			Ref:        ref,
			Language:   img.Labels[LabelLanguage],
			CreatedAt:  created,
			LastUsedAt: created,
		}
		adopted++
		c.logger.Info("adopted untracked image", zap.String("ref", ref))
	}

	metrics.CacheEntries.Set(float64(len(c.records)))
	return dropped, adopted, nil
}

// Run sweeps on every SweepInterval tick until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if c.opts.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			c.logger.Debug("cache sweep finished",
				zap.Int("dropped", res.Dropped),
				zap.Int("adopted", res.Adopted),
				zap.Int("evicted", res.Evicted),
			)
		}
	}
}

// Records returns a copy of the records, most recently used first.
func (c *Cache) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() []Record {
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return b.LastUsedAt.Compare(a.LastUsedAt) })
	return out
}

// Stats reports the current record, lease and in-flight counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Entries: len(c.records), Leased: len(c.refs)}
	for _, f := range c.inflight {
		if !f.removal {
			s.InFlight++
		}
		s.Waiting += f.waiters
	}
	return s
}

func (c *Cache) persist() {
	if c.opts.Store == nil {
		return
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	records := c.snapshotLocked()
	c.mu.Unlock()

	if err := c.opts.Store.Save(records); err != nil {
		c.logger.Warn("failed to persist cache metadata", zap.Error(err))
	}
}

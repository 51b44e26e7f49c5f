package imagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/engine"
	"github.com/isdmx/execbox/engine/enginetest"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestCache(t *testing.T, fake *enginetest.Client, opts Options) *Cache {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if opts.MaxSize == 0 {
		opts.MaxSize = 50
	}
	if opts.Clock == nil {
		clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Clock = clock.Now
	}
	return New(engine.NewWithClient(fake, logger), logger, opts)
}

func contextDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.9-alpine\n"), 0o644))
	return dir
}

func pythonRequest(dir string, deps ...string) BuildRequest {
	return BuildRequest{
		Language:     "python",
		BaseImage:    "python:3.9-alpine",
		Dependencies: deps,
		ContextDir:   dir,
	}
}

func TestGetOrBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("BuildsOnceThenHits", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		first, err := c.GetOrBuild(ctx, pythonRequest(dir, "requests"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuilt, first.Outcome)
		first.Release()
		builtAt := c.Records()[0].LastUsedAt

		second, err := c.GetOrBuild(ctx, pythonRequest(dir, "requests"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeHit, second.Outcome)
		assert.Equal(t, first.Ref, second.Ref)
		second.Release()

		assert.Len(t, fake.Builds(), 1)
		assert.True(t, c.Records()[0].LastUsedAt.After(builtAt))
	})

	t.Run("DependencyOrderIgnored", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		a, err := c.GetOrBuild(ctx, pythonRequest(dir, "numpy", "requests"))
		require.NoError(t, err)
		a.Release()

		b, err := c.GetOrBuild(ctx, pythonRequest(dir, "requests", "numpy", "requests"))
		require.NoError(t, err)
		b.Release()

		assert.Equal(t, a.Ref, b.Ref)
		assert.Equal(t, OutcomeHit, b.Outcome)
		assert.Len(t, fake.Builds(), 1)
	})

	t.Run("ConcurrentCallersShareOneBuild", func(t *testing.T) {
		const callers = 8
		gate := make(chan struct{})
		fake := enginetest.New()
		fake.BuildHook = func(ref, dockerfile string) error {
			<-gate
			return nil
		}
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		var wg sync.WaitGroup
		leases := make([]*Lease, callers)
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				leases[i], errs[i] = c.GetOrBuild(ctx, pythonRequest(dir, "flask"))
			}()
		}

		require.Eventually(t, func() bool {
			s := c.Stats()
			return s.InFlight == 1 && s.Waiting == callers-1
		}, 5*time.Second, 5*time.Millisecond)
		close(gate)
		wg.Wait()

		outcomes := map[Outcome]int{}
		for i := range callers {
			require.NoError(t, errs[i])
			assert.Equal(t, leases[i].Ref, leases[0].Ref)
			outcomes[leases[i].Outcome]++
			leases[i].Release()
		}
		assert.Len(t, fake.Builds(), 1)
		assert.Equal(t, map[Outcome]int{OutcomeBuilt: 1, OutcomeAwaited: callers - 1}, outcomes)
		assert.Equal(t, Stats{Entries: 1}, c.Stats())
	})

	t.Run("FailureReachesEveryWaiter", func(t *testing.T) {
		const callers = 5
		gate := make(chan struct{})
		fake := enginetest.New()
		fake.BuildHook = func(ref, dockerfile string) error {
			<-gate
			return errors.New("ERROR: No matching distribution found for nosuchpkg")
		}
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = c.GetOrBuild(ctx, pythonRequest(dir, "nosuchpkg"))
			}()
		}

		require.Eventually(t, func() bool {
			return c.Stats().Waiting == callers-1
		}, 5*time.Second, 5*time.Millisecond)
		close(gate)
		wg.Wait()

		for _, err := range errs {
			require.ErrorIs(t, err, engine.ErrBuildFailed)
			assert.Contains(t, err.Error(), "No matching distribution")
		}
		assert.Len(t, fake.Builds(), 1)
		assert.Equal(t, Stats{}, c.Stats())

		// the marker is gone, so a later request builds again
		fake.BuildHook = nil
		lease, err := c.GetOrBuild(ctx, pythonRequest(dir, "nosuchpkg"))
		require.NoError(t, err)
		lease.Release()
		assert.Len(t, fake.Builds(), 2)
	})

	t.Run("RebuildsAfterOutOfBandDeletion", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		lease, err := c.GetOrBuild(ctx, pythonRequest(dir))
		require.NoError(t, err)
		lease.Release()

		fake.DeleteImage(lease.Ref)

		lease, err = c.GetOrBuild(ctx, pythonRequest(dir))
		require.NoError(t, err)
		lease.Release()
		assert.Equal(t, OutcomeBuilt, lease.Outcome)
		assert.Len(t, fake.Builds(), 2)
		assert.True(t, fake.HasImage(lease.Ref))
	})

	t.Run("EngineUnavailable", func(t *testing.T) {
		fake := enginetest.New()
		fake.SetDown(true)
		c := newTestCache(t, fake, Options{})

		_, err := c.GetOrBuild(ctx, pythonRequest(contextDir(t)))
		require.ErrorIs(t, err, engine.ErrEngineUnavailable)
		assert.Equal(t, Stats{}, c.Stats())
	})

	t.Run("WaiterCancelled", func(t *testing.T) {
		gate := make(chan struct{})
		fake := enginetest.New()
		fake.BuildHook = func(ref, dockerfile string) error {
			<-gate
			return nil
		}
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		done := make(chan error, 1)
		go func() {
			lease, err := c.GetOrBuild(ctx, pythonRequest(dir))
			if err == nil {
				lease.Release()
			}
			done <- err
		}()
		require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, 5*time.Second, 5*time.Millisecond)

		waitCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.GetOrBuild(waitCtx, pythonRequest(dir))
		require.ErrorIs(t, err, context.Canceled)

		close(gate)
		require.NoError(t, <-done)
		assert.Len(t, fake.Builds(), 1)
	})
}

func TestEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("StabilizesAtMaxSize", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{MaxSize: 3})
		dir := contextDir(t)

		var refs []string
		for i := range 5 {
			lease, err := c.GetOrBuild(ctx, pythonRequest(dir, fmt.Sprintf("pkg%d", i)))
			require.NoError(t, err)
			lease.Release()
			refs = append(refs, lease.Ref)
		}

		assert.Len(t, c.Records(), 3)
		assert.Equal(t, refs[:2], fake.Removed())
		for _, ref := range refs[2:] {
			assert.True(t, fake.HasImage(ref))
		}
	})

	t.Run("HitRefreshesRecency", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{MaxSize: 2})
		dir := contextDir(t)

		get := func(dep string) *Lease {
			lease, err := c.GetOrBuild(ctx, pythonRequest(dir, dep))
			require.NoError(t, err)
			lease.Release()
			return lease
		}

		a := get("a")
		b := get("b")
		assert.Equal(t, OutcomeHit, get("a").Outcome)
		get("c")

		assert.True(t, fake.HasImage(a.Ref))
		assert.False(t, fake.HasImage(b.Ref))
		assert.Equal(t, []string{b.Ref}, fake.Removed())
	})

	t.Run("LeasedImagesSurvive", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{MaxSize: 1})
		dir := contextDir(t)

		held, err := c.GetOrBuild(ctx, pythonRequest(dir, "a"))
		require.NoError(t, err)

		other, err := c.GetOrBuild(ctx, pythonRequest(dir, "b"))
		require.NoError(t, err)
		assert.Len(t, c.Records(), 2)
		assert.Empty(t, fake.Removed())

		other.Release()
		assert.True(t, fake.HasImage(held.Ref), "leased image must not be evicted")
		assert.False(t, fake.HasImage(other.Ref))
		assert.Len(t, c.Records(), 1)

		held.Release()
		held.Release()
		assert.True(t, fake.HasImage(held.Ref))
		assert.Equal(t, Stats{Entries: 1}, c.Stats())
	})

	t.Run("VictimAlreadyGone", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{MaxSize: 1})
		dir := contextDir(t)

		first, err := c.GetOrBuild(ctx, pythonRequest(dir, "a"))
		require.NoError(t, err)
		first.Release()
		fake.DeleteImage(first.Ref)

		second, err := c.GetOrBuild(ctx, pythonRequest(dir, "b"))
		require.NoError(t, err)
		second.Release()

		assert.Equal(t, []string{first.Ref}, fake.Removed())
		assert.Len(t, c.Records(), 1)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("AdoptsAndDrops", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{})
		dir := contextDir(t)

		lease, err := c.GetOrBuild(ctx, pythonRequest(dir))
		require.NoError(t, err)
		lease.Release()
		fake.DeleteImage(lease.Ref)

		orphan := KeyFor("ruby", "ruby:3.0-alpine", nil)
		fake.AddImage(c.Ref(orphan), map[string]string{LabelKey: string(orphan), LabelLanguage: "ruby"})
		fake.AddImage("foreign-image", map[string]string{LabelKey: "abc"})

		res, err := c.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Dropped: 1, Adopted: 1}, res)

		records := c.Records()
		require.Len(t, records, 1)
		assert.Equal(t, orphan, records[0].Key)
		assert.Equal(t, "ruby", records[0].Language)
	})

	t.Run("EvictsSurplus", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{MaxSize: 1})

		for _, lang := range []string{"go", "rust", "lua"} {
			key := KeyFor(lang, lang+":latest", nil)
			fake.AddImage(c.Ref(key), map[string]string{LabelKey: string(key)})
		}

		res, err := c.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Adopted)
		assert.Equal(t, 2, res.Evicted)
		assert.Len(t, c.Records(), 1)
	})

	t.Run("EngineDown", func(t *testing.T) {
		fake := enginetest.New()
		fake.SetDown(true)
		c := newTestCache(t, fake, Options{})

		_, err := c.Sweep(ctx)
		assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
	})

	t.Run("RunTicks", func(t *testing.T) {
		fake := enginetest.New()
		c := newTestCache(t, fake, Options{SweepInterval: 10 * time.Millisecond})
		key := KeyFor("lua", "nickblah/lua:5.4", nil)
		fake.AddImage(c.Ref(key), map[string]string{LabelKey: string(key)})

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			c.Run(runCtx)
			close(done)
		}()

		require.Eventually(t, func() bool { return len(c.Records()) == 1 }, 5*time.Second, 10*time.Millisecond)
		cancel()
		<-done
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	store := NewMetadataStore(filepath.Join(t.TempDir(), "meta", "cache-metadata.json"), nil)
	dir := contextDir(t)

	c := newTestCache(t, fake, Options{Store: store})
	lease, err := c.GetOrBuild(ctx, pythonRequest(dir, "requests"))
	require.NoError(t, err)
	lease.Release()

	restarted := newTestCache(t, fake, Options{Store: store})
	require.NoError(t, restarted.Load())
	records := restarted.Records()
	require.Len(t, records, 1)
	assert.Equal(t, lease.Ref, records[0].Ref)
	assert.Equal(t, "python", records[0].Language)

	again, err := restarted.GetOrBuild(ctx, pythonRequest(dir, "requests"))
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, OutcomeHit, again.Outcome)
	assert.Len(t, fake.Builds(), 1)
}

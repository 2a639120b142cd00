package cache

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/diskcache/telemetry"
)

// trimLoop is the façade's background worker: a periodic auto-trim pass
// (cost, then count, then age, then free disk space, in that order) plus a
// shared queue for the *Async object operations. It exposes an explicit
// shutdown signal — the source this module's design is based on never did,
// leaking its periodic task for the lifetime of the process.
type trimLoop struct {
	c *Cache

	workCh chan func()

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newTrimLoop(c *Cache) *trimLoop {
	return &trimLoop{
		c:      c,
		workCh: make(chan func(), 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// start launches the periodic trim pass and the async-work drain. It
// starts even when no limits are configured, since RemoveObjectAsync et al.
// rely on the worker.
func (t *trimLoop) start() {
	t.mu.Lock()
	if t.running || t.stopped {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.run()
}

// stop signals the worker to exit and waits for it to drain.
func (t *trimLoop) stop() {
	t.mu.Lock()
	if !t.running || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh
}

// runAsync schedules fn on the worker. If the queue is full, fn runs
// inline rather than blocking the caller indefinitely.
func (t *trimLoop) runAsync(fn func()) {
	select {
	case t.workCh <- fn:
	default:
		fn()
	}
}

func (t *trimLoop) run() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.c.trimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case fn := <-t.workCh:
			fn()
		case <-ticker.C:
			t.runAutoTrim()
		}
	}
}

// runAutoTrim enforces the configured limits in order: cost, count, age,
// free disk space. Each step is best-effort; a failure is logged and the
// loop moves to the next limit.
func (t *trimLoop) runAutoTrim() {
	c := t.c

	start := c.now()
	defer func() {
		telemetry.RecordTrimRun(context.Background(), c.now().Sub(start))
	}()

	if c.maxCost > 0 {
		if err := c.TrimToCost(c.maxCost); err != nil {
			c.logger.Warn("cache: auto-trim cost failed", "error", err)
		}
	}
	if c.maxCount > 0 {
		if err := c.TrimToCount(c.maxCount); err != nil {
			c.logger.Warn("cache: auto-trim count failed", "error", err)
		}
	}
	if c.maxAge > 0 {
		if err := c.TrimToAge(c.maxAge); err != nil {
			c.logger.Warn("cache: auto-trim age failed", "error", err)
		}
	}
	if c.minFreeDisk > 0 {
		t.trimForFreeDisk()
	}
}

// trimForFreeDisk evicts the single least-recently-used entry repeatedly
// until the configured minimum free space is restored or there is nothing
// left to evict. DiskUsage reporting "unknown" (the NoopDiskUsage default)
// disables this step entirely.
func (t *trimLoop) trimForFreeDisk() {
	c := t.c
	for {
		free, ok := c.diskUsage(c.root)
		if !ok || free >= c.minFreeDisk {
			return
		}

		count, ok := c.TotalCount()
		if !ok || count == 0 {
			return
		}
		if err := c.TrimToCount(count - 1); err != nil {
			c.logger.Warn("cache: auto-trim free disk failed", "error", err)
			return
		}
	}
}

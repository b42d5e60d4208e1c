package cache

import (
	"context"
	"sync"

	"github.com/easeaico/snaplocator/internal/snapshot"
)

// mirror is the write-behind queue feeding the durable tier. A single worker
// drains it in batches; enqueued and done count entries so Flush can wait
// for everything queued before the call.
type mirror struct {
	mu       sync.Mutex
	queue    []*snapshot.Entry
	enqueued uint64
	done     uint64
	waiters  []flushWaiter

	wake       chan struct{}
	quit       chan struct{}
	workerDone chan struct{}
	startOnce  sync.Once
	started    bool
}

type flushWaiter struct {
	target uint64
	ch     chan struct{}
}

func (m *mirror) init() {
	m.wake = make(chan struct{}, 1)
	m.quit = make(chan struct{})
	m.workerDone = make(chan struct{})
}

func (m *mirror) enqueue(e *snapshot.Entry) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.enqueued++
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pending returns the newest queued entry satisfying match.
func (m *mirror) pending(match func(*snapshot.Entry) bool) *snapshot.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.queue) - 1; i >= 0; i-- {
		if match(m.queue[i]) {
			return m.queue[i]
		}
	}
	return nil
}

func (m *mirror) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// next returns up to n queued entries without removing them, so lookups
// still see them while they are being written.
func (m *mirror) next(n int) []*snapshot.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	n = min(n, len(m.queue))
	if n == 0 {
		return nil
	}
	batch := make([]*snapshot.Entry, n)
	copy(batch, m.queue[:n])
	return batch
}

// ack removes n written entries and releases satisfied Flush waiters.
func (m *mirror) ack(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = m.queue[n:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
	m.done += uint64(n)

	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if m.done >= w.target {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// wait blocks until every entry enqueued before the call has been handled.
func (m *mirror) wait(ctx context.Context) error {
	m.mu.Lock()
	if m.done >= m.enqueued {
		m.mu.Unlock()
		return nil
	}
	w := flushWaiter{target: m.enqueued, ch: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mirror) stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil
	}

	close(m.quit)
	select {
	case <-m.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startMirror launches the mirror worker once.
func (c *Cache) startMirror() {
	c.mirror.startOnce.Do(func() {
		c.mirror.mu.Lock()
		c.mirror.started = true
		c.mirror.mu.Unlock()
		go c.mirrorLoop()
	})
}

func (c *Cache) mirrorLoop() {
	defer close(c.mirror.workerDone)
	for {
		select {
		case <-c.mirror.quit:
			c.drain()
			return
		case <-c.mirror.wake:
			c.drain()
		}
	}
}

// drain writes queued entries until the queue is empty. A failed batch is
// logged and dropped; the memory tier keeps serving those entries.
func (c *Cache) drain() {
	for {
		batch := c.mirror.next(c.cfg.MirrorBatch)
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		err := c.durable.PutBatch(ctx, batch)
		if err != nil {
			c.logger.Warn("cache: durable write failed",
				"entries", len(batch), "first_id", batch[0].ID, "error", err)
		} else {
			c.trimDurable(ctx)
		}
		cancel()

		c.mirror.ack(len(batch))
	}
}

// Flush blocks until every Put issued before the call has been written to
// the durable tier, or has failed and been logged.
func (c *Cache) Flush(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	return c.mirror.wait(ctx)
}

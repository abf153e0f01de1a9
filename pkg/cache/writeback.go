package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pario-ai/verdict/pkg/models"
)

// writebackTimeout bounds a single queued durable write.
const writebackTimeout = 10 * time.Second

type jobKind int

const (
	jobUpsert jobKind = iota
	jobHit
)

type job struct {
	kind  jobKind
	entry models.CacheEntry
	hash  string
	at    time.Time
}

// writeback applies durable-store writes on a single background worker so
// that lookups and Set never wait on the relational store.
type writeback struct {
	durable Durable

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   sync.WaitGroup

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

func newWriteback(durable Durable, size int) *writeback {
	w := &writeback{durable: durable, jobs: make(chan job, size)}
	w.idle = sync.NewCond(&w.pendingMu)
	w.done.Add(1)
	go w.run()
	return w
}

// enqueue hands j to the worker. Jobs are dropped when the queue is full or
// closed; durable writes are best-effort.
func (w *writeback) enqueue(j job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		log.Printf("cache: writeback closed, dropping %s", j.describe())
		return false
	}
	w.track(1)
	select {
	case w.jobs <- j:
		return true
	default:
		w.track(-1)
		log.Printf("cache: writeback queue full, dropping %s", j.describe())
		return false
	}
}

func (w *writeback) run() {
	defer w.done.Done()
	for j := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writebackTimeout)
		w.apply(ctx, j)
		cancel()
		w.track(-1)
	}
}

// apply runs j against the durable store and logs any failure.
func (w *writeback) apply(ctx context.Context, j job) {
	var err error
	switch j.kind {
	case jobUpsert:
		err = w.durable.Upsert(ctx, j.entry)
	case jobHit:
		err = w.durable.RecordHit(ctx, j.hash, j.at)
	}
	if err != nil {
		log.Printf("cache: durable %s failed: %v", j.describe(), err)
	}
}

// flush blocks until every job enqueued so far has been applied or ctx ends.
func (w *writeback) flush(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		w.pendingMu.Lock()
		for w.pending > 0 {
			w.idle.Wait()
		}
		w.pendingMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writeback) track(delta int) {
	w.pendingMu.Lock()
	w.pending += delta
	if w.pending == 0 {
		w.idle.Broadcast()
	}
	w.pendingMu.Unlock()
}

// close drains queued jobs and stops the worker.
func (w *writeback) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	w.done.Wait()
}

func (j job) describe() string {
	switch j.kind {
	case jobUpsert:
		return "upsert " + short(j.entry.QueryHash)
	default:
		return "hit " + short(j.hash)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

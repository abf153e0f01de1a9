package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pario-ai/verdict/pkg/models"
)

// maxResponseBody caps the response body kept on an attempt.
const maxResponseBody = 1024

const (
	recordRetries   = 2
	recordRetryWait = 50 * time.Millisecond
)

// Observer is notified of delivery progress.
type Observer interface {
	AttemptFinished(ok bool, elapsed time.Duration)
	DeliveryCompleted(status models.DeliveryStatus)
}

// DispatcherOptions configures a Dispatcher. Zero fields take defaults.
type DispatcherOptions struct {
	Workers       int           // 4
	QueueSize     int           // 1024
	Timeout       time.Duration // 30s per attempt
	MaxBackoff    time.Duration // 1h
	SweepInterval time.Duration // 1m
	RetentionDays int           // 0 keeps history forever
	Client        *http.Client
	Observer      Observer
}

// Dispatcher sends queued deliveries. A worker makes one attempt and then
// lets go of the delivery; the next attempt is re-queued by a timer once its
// backoff has elapsed. Attempts of one delivery stay sequential because the
// delivery holds its inflight slot until it finishes.
type Dispatcher struct {
	store *Store
	opts  DispatcherOptions
	now   func() time.Time

	queue chan string

	mu       sync.Mutex
	inflight map[string]struct{}
	timers   map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a Dispatcher. Call Start to begin sending.
func NewDispatcher(store *Store, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		opts:     opts,
		now:      time.Now,
		queue:    make(chan string, opts.QueueSize),
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers, the sweep loop and, when retention is set,
// the retention loop.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.wg.Add(1)
	go d.sweepLoop()
	if d.opts.RetentionDays > 0 {
		d.wg.Add(1)
		go d.retentionLoop()
	}
}

// Close stops all loops and pending retry timers. Deliveries cut short stay
// pending or in retry and are resumed by the next sweep.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.cancel()
		d.mu.Lock()
		for id, t := range d.timers {
			t.Stop()
			delete(d.timers, id)
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// Enqueue schedules a delivery. It reports false if the delivery is already
// being worked on or waiting for a retry, or if the queue is full; the sweep
// loop picks those up later.
func (d *Dispatcher) Enqueue(id string) bool {
	d.mu.Lock()
	if _, busy := d.inflight[id]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[id] = struct{}{}
	d.mu.Unlock()

	if !d.push(id) {
		d.release(id)
		return false
	}
	return true
}

func (d *Dispatcher) push(id string) bool {
	select {
	case d.queue <- id:
		return true
	default:
		log.Printf("webhook: queue full, deferring delivery %s", id)
		return false
	}
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// retryAfter re-queues id once wait has elapsed. The delivery keeps its
// inflight slot meanwhile.
func (d *Dispatcher) retryAfter(id string, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		delete(d.inflight, id)
		return
	}
	d.timers[id] = time.AfterFunc(wait, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		if d.ctx.Err() != nil || !d.push(id) {
			d.release(id)
		}
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case id := <-d.queue:
			if wait, more := d.step(d.ctx, id); more {
				d.retryAfter(id, wait)
			} else {
				d.release(id)
			}
		}
	}
}

// Deliver runs the remaining attempts of one delivery to completion or
// until ctx ends, waiting out the backoff in place.
func (d *Dispatcher) Deliver(ctx context.Context, id string) {
	for {
		wait, more := d.step(ctx, id)
		if !more {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// step makes the next attempt of a delivery. When another attempt is due it
// reports how long to wait before making it.
func (d *Dispatcher) step(ctx context.Context, id string) (time.Duration, bool) {
	dl, err := d.store.Delivery(ctx, id)
	if err != nil {
		log.Printf("webhook: load delivery %s: %v", id, err)
		return 0, false
	}
	if dl.Status.Terminal() {
		return 0, false
	}
	hook, err := d.store.ByID(ctx, dl.WebhookID)
	if err != nil {
		log.Printf("webhook: load webhook %s for delivery %s: %v", dl.WebhookID, id, err)
		return 0, false
	}

	cfg := hook.RetryConfig
	made := len(dl.Attempts)
	if made >= cfg.MaxRetries {
		d.complete(ctx, dl.ID, nil, models.DeliveryFailed)
		return 0, false
	}

	number := made + 1
	a := d.attempt(ctx, hook, dl, number)
	if ctx.Err() != nil {
		// Shutting down; the sweep resumes from the recorded attempts.
		return 0, false
	}
	if d.opts.Observer != nil {
		d.opts.Observer.AttemptFinished(a.Succeeded(), time.Duration(a.DurationMs)*time.Millisecond)
	}
	if a.Succeeded() {
		d.complete(ctx, dl.ID, &a, models.DeliverySuccess)
		return 0, false
	}
	if number >= cfg.MaxRetries {
		d.complete(ctx, dl.ID, &a, models.DeliveryFailed)
		return 0, false
	}

	if err := d.record(ctx, dl.ID, a); err != nil {
		log.Printf("webhook: delivery %s: record attempt %d: %v; giving up", dl.ID, number, err)
		d.complete(ctx, dl.ID, &a, models.DeliveryFailed)
		return 0, false
	}

	wait := d.schedule(cfg, made).NextBackOff()
	log.Printf("webhook: delivery %s attempt %d/%d failed: %s; retrying in %s",
		dl.ID, number, cfg.MaxRetries, describe(a), wait)
	return wait, true
}

// record appends a failed attempt, retrying briefly so the attempt history
// never skips a call that was actually made.
func (d *Dispatcher) record(ctx context.Context, id string, a models.DeliveryAttempt) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(recordRetryWait), recordRetries), ctx)
	return backoff.Retry(func() error {
		return d.store.AppendAttempt(ctx, id, a)
	}, b)
}

// schedule returns the wait sequence for the attempts after the made-th:
// retryDelayMs * multiplier^(n-1), without jitter, capped at MaxBackoff.
func (d *Dispatcher) schedule(cfg models.RetryConfig, made int) *backoff.ExponentialBackOff {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	initial := float64(cfg.RetryDelayMs) * math.Pow(mult, float64(made)) * float64(time.Millisecond)
	if initial > float64(d.opts.MaxBackoff) {
		initial = float64(d.opts.MaxBackoff)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(initial)
	b.Multiplier = mult
	b.RandomizationFactor = 0
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// attempt makes one POST. Any failure, including the timeout, is reported
// in the returned attempt rather than as an error.
func (d *Dispatcher) attempt(ctx context.Context, hook *models.Webhook, dl *models.WebhookDelivery, number int) models.DeliveryAttempt {
	start := d.now()
	a := models.DeliveryAttempt{Number: number, AttemptedAt: start.UTC()}

	actx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, hook.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "verdict-webhook/1.0")
	req.Header.Set(HeaderEvent, string(dl.Event))
	req.Header.Set(HeaderDelivery, dl.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(start.Unix(), 10))
	if dl.Signature != "" {
		req.Header.Set(HeaderSignature, dl.Signature)
	}

	resp, err := d.opts.Client.Do(req)
	a.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	a.StatusCode = resp.StatusCode
	a.ResponseBody = string(body)
	return a
}

func (d *Dispatcher) complete(ctx context.Context, id string, final *models.DeliveryAttempt, status models.DeliveryStatus) {
	done, err := d.store.Complete(ctx, id, final, status, d.now())
	if err != nil {
		log.Printf("webhook: complete delivery %s: %v", id, err)
		return
	}
	if !done {
		return
	}
	if status == models.DeliveryFailed {
		log.Printf("webhook: delivery %s failed permanently", id)
	}
	if d.opts.Observer != nil {
		d.opts.Observer.DeliveryCompleted(status)
	}
}

func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.ctx)
		}
	}
}

// Sweep re-enqueues non-terminal deliveries older than one sweep interval
// that no worker holds. It returns how many were enqueued.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	pending, err := d.store.Pending(ctx, d.now().Add(-d.opts.SweepInterval), d.opts.QueueSize)
	if err != nil {
		log.Printf("webhook: sweep: %v", err)
		return 0
	}
	n := 0
	for _, dl := range pending {
		if d.Enqueue(dl.ID) {
			n++
		}
	}
	return n
}

func (d *Dispatcher) retentionLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			cutoff := d.now().AddDate(0, 0, -d.opts.RetentionDays)
			if n, err := d.store.Cleanup(d.ctx, cutoff); err != nil {
				log.Printf("webhook: retention cleanup: %v", err)
			} else if n > 0 {
				log.Printf("webhook: retention removed %d deliveries", n)
			}
		}
	}
}

func describe(a models.DeliveryAttempt) string {
	if a.Error != "" {
		return a.Error
	}
	return fmt.Sprintf("status %d", a.StatusCode)
}

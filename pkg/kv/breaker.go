package kv

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions configures the circuit breaker around a Store.
type BreakerOptions struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Breaker wraps a Store so that consecutive failures stop traffic to it for
// a while. Misses are not failures. While open, calls fail fast with
// ErrUnavailable.
type Breaker struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps store with a circuit breaker.
func NewBreaker(store Store, opts BreakerOptions) *Breaker {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.Name == "" {
		opts.Name = "kv"
	}

	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("kv: breaker %s %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
	return &Breaker{store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Get reads through the breaker.
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.store.Get(ctx, key)
	})
	if err != nil {
		return nil, translate(err)
	}
	return v.([]byte), nil
}

// Set writes through the breaker.
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.store.Set(ctx, key, value, ttl)
	})
	return translate(err)
}

// Delete deletes through the breaker.
func (b *Breaker) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.store.Delete(ctx, key)
	})
	return translate(err)
}

// Clear clears the wrapped store when it supports it.
func (b *Breaker) Clear(ctx context.Context) error {
	c, ok := b.store.(Clearer)
	if !ok {
		return errors.New("kv: store does not support clear")
	}
	return c.Clear(ctx)
}

// Close closes the wrapped store.
func (b *Breaker) Close() error {
	return b.store.Close()
}

func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}

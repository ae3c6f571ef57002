// Package password offloads bcrypt hashing to a fixed pool of background
// workers so deliberately slow digests never block request handling.
package password

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

const (
	maxWorkers     = 4
	defaultTimeout = 30 * time.Second
)

type opKind int

const (
	opHash opKind = iota
	opVerify
)

type request struct {
	id       uint64
	op       opKind
	password string
	digest   string
	reply    chan response
}

type response struct {
	digest string
	match  bool
	err    error
}

// Pool dispatches hash and verify requests round-robin across a fixed arena
// of worker goroutines. Workers are indexed by slot and respawned in place
// after a panic; requests in flight on a crashed worker are abandoned to
// their timeout rather than retried.
type Pool struct {
	workers []chan request
	next    atomic.Uint64
	reqID   atomic.Uint64
	cost    int
	timeout time.Duration
	logger  *slog.Logger
	run     func(request) response

	mu     sync.Mutex
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithCost overrides the bcrypt cost.
func WithCost(cost int) Option {
	return func(p *Pool) { p.cost = cost }
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithWorkers overrides the arena size.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = make([]chan request, n)
		}
	}
}

// NewPool starts min(GOMAXPROCS, 4) workers.
func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	size := runtime.GOMAXPROCS(0)
	if size > maxWorkers {
		size = maxWorkers
	}
	if size < 1 {
		size = 1
	}
	p := &Pool{
		workers: make([]chan request, size),
		cost:    bcrypt.DefaultCost,
		timeout: defaultTimeout,
		logger:  logger,
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.run == nil {
		p.run = p.execute
	}
	for slot := range p.workers {
		p.workers[slot] = make(chan request)
		p.spawn(slot)
	}
	return p
}

// spawn runs the worker loop for a slot, respawning it if the loop panics.
func (p *Pool) spawn(slot int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if p.logger != nil {
					p.logger.Error("hash worker crashed", slog.Int("slot", slot), slog.Any("panic", r))
				}
				p.mu.Lock()
				dead := p.closed
				p.mu.Unlock()
				if !dead {
					p.spawn(slot)
				}
			}
		}()
		for {
			select {
			case <-p.quit:
				return
			case req := <-p.workers[slot]:
				req.reply <- p.run(req)
			}
		}
	}()
}

func (p *Pool) execute(req request) response {
	switch req.op {
	case opHash:
		digest, err := bcrypt.GenerateFromPassword([]byte(req.password), p.cost)
		if err != nil {
			return response{err: fmt.Errorf("password: hash: %w", err)}
		}
		return response{digest: string(digest)}
	case opVerify:
		err := bcrypt.CompareHashAndPassword([]byte(req.digest), []byte(req.password))
		switch err {
		case nil:
			return response{match: true}
		case bcrypt.ErrMismatchedHashAndPassword:
			return response{match: false}
		default:
			return response{err: fmt.Errorf("password: verify: %w", err)}
		}
	}
	return response{err: fmt.Errorf("password: unknown op %d", req.op)}
}

// dispatch hands the request to the next slot round-robin and waits for the
// reply or the deadline. Correlation is carried by the per-request reply
// channel; nothing mutable is shared across goroutines.
func (p *Pool) dispatch(ctx context.Context, req request) (response, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return response{}, fmt.Errorf("password: pool closed")
	}
	p.mu.Unlock()

	req.id = p.reqID.Add(1)
	req.reply = make(chan response, 1)
	slot := p.next.Add(1) % uint64(len(p.workers))

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.workers[slot] <- req:
	case <-timer.C:
		return response{}, shared.ErrHashTimeout
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-timer.C:
		return response{}, shared.ErrHashTimeout
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Hash computes a salted digest of the password off the calling goroutine.
func (p *Pool) Hash(ctx context.Context, password string) (string, error) {
	res, err := p.dispatch(ctx, request{op: opHash, password: password})
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", res.err
	}
	return res.digest, nil
}

// Verify reports whether password matches digest.
func (p *Pool) Verify(ctx context.Context, digest, password string) (bool, error) {
	res, err := p.dispatch(ctx, request{op: opVerify, digest: digest, password: password})
	if err != nil {
		return false, err
	}
	if res.err != nil {
		return false, res.err
	}
	return res.match, nil
}

// Size returns the number of worker slots.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Close stops the arena. In-flight requests complete; queued ones are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

// Package pool bounds the number of concurrently leased backend
// connections and reuses idle ones.
//
// Callers may pass an affinity hint: the handle of the connection they
// used last. When that connection is idle it is handed back, improving
// page-cache locality in the backend. Otherwise any idle connection is
// used, and when none exists and the pool is at capacity the caller
// waits up to its timeout, then fails with ErrExhausted.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrExhausted is returned when no connection becomes available
	// within the acquire timeout.
	ErrExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned for acquires on a closed pool.
	ErrClosed = errors.New("connection pool closed")
)

var exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "docvault_pool_exhausted_total",
	Help: "Number of connection acquires that failed with pool exhaustion.",
})

// HandleID identifies a pooled connection for affinity hints.
type HandleID int64

// NoPreference disables the affinity hint.
const NoPreference HandleID = -1

// Conn is a pooled connection leased to exactly one in-flight operation.
// Return it with Pool.Release when the operation completes or errors.
type Conn struct {
	id     HandleID
	raw    *sql.Conn
	broken bool
}

// ID returns the stable handle used for affinity hints.
func (c *Conn) ID() HandleID { return c.id }

// Raw exposes the underlying connection for queries and transactions.
func (c *Conn) Raw() *sql.Conn { return c.raw }

// MarkBroken flags the connection so Release discards it instead of
// returning it to the idle set. Call after any backend error.
func (c *Conn) MarkBroken() { c.broken = true }

// ExecContext runs a statement on the pooled connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.raw.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pooled connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.raw.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pooled connection.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.raw.QueryRowContext(ctx, query, args...)
}

// Pool manages a bounded set of reusable connections over one database
// handle. Safe for concurrent use.
type Pool struct {
	db   *sql.DB
	size int

	mu      sync.Mutex
	idle    map[HandleID]*Conn
	total   int // live connections, idle + leased
	nextID  HandleID
	waiters []chan struct{}
	closed  bool
}

// New builds a pool of at most size connections. Connections are created
// lazily on first demand, and broken ones are replaced the same way.
func New(db *sql.DB, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	// Let database/sql hold as many as we lease.
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	return &Pool{db: db, size: size, idle: make(map[HandleID]*Conn)}, nil
}

// Acquire leases a connection, preferring the hinted handle when idle.
// A zero timeout never blocks: if nothing is idle and the pool is at
// capacity it fails immediately with ErrExhausted.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration, preferred HandleID) (*Conn, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if c := p.takeIdleLocked(preferred); c != nil {
			p.mu.Unlock()
			return c, nil
		}

		if p.total < p.size {
			p.total++
			id := p.nextID
			p.nextID++
			p.mu.Unlock()

			raw, err := p.db.Conn(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: open connection: %w", err)
			}
			return &Conn{id: id, raw: raw}, nil
		}

		if timeout == 0 {
			p.mu.Unlock()
			exhaustedTotal.Inc()
			return nil, ErrExhausted
		}

		ch := make(chan struct{}, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ch:
			// Something was released or a slot freed; retry.
		case <-expired:
			p.dropWaiter(ch)
			exhaustedTotal.Inc()
			return nil, ErrExhausted
		case <-ctx.Done():
			p.dropWaiter(ch)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				exhaustedTotal.Inc()
				return nil, ErrExhausted
			}
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the idle set, or discards it if it was
// marked broken. Replacement happens lazily on the next Acquire.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if c.broken || p.closed {
		c.raw.Close()
		p.total--
	} else {
		p.idle[c.id] = c
	}
	p.notifyLocked()
	p.mu.Unlock()
}

// Close closes idle connections and fails all future acquires.
// Leased connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, c := range p.idle {
		c.raw.Close()
		p.total--
		delete(p.idle, id)
	}
	for _, ch := range p.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
	return nil
}

// takeIdleLocked removes and returns an idle connection, honoring the
// affinity hint when possible. Caller holds p.mu.
func (p *Pool) takeIdleLocked(preferred HandleID) *Conn {
	if preferred != NoPreference {
		if c, ok := p.idle[preferred]; ok {
			delete(p.idle, preferred)
			return c
		}
	}
	for id, c := range p.idle {
		delete(p.idle, id)
		return c
	}
	return nil
}

// notifyLocked wakes one waiter. Caller holds p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case ch <- struct{}{}:
	default:
	}
}

// dropWaiter removes a timed-out waiter. If its wakeup already fired, the
// signal is passed on so an idle connection is not stranded.
func (p *Pool) dropWaiter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// Not in the list: notifyLocked already signaled us. Hand the wakeup
	// to the next waiter.
	select {
	case <-ch:
		p.notifyLocked()
	default:
	}
}

// Stats reports live and idle connection counts, for tests and logging.
func (p *Pool) Stats() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle)
}

// Package txn groups store operations into atomic units over a pooled
// connection, with savepoint-based nested scopes.
//
// The usage pattern makes rollback-on-error structural rather than
// narrated: begin, defer Rollback (a no-op after Commit), do the work,
// Commit. An inner scope rolls back only the operations since its own
// savepoint.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docuvault/docvault/internal/pool"
)

// ErrDone is returned when an operation runs on a finished transaction.
var ErrDone = errors.New("transaction already finished")

// Manager begins transactions with a configured deadline.
type Manager struct {
	timeout time.Duration
}

// NewManager builds a Manager. A zero timeout disables the deadline.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Begin opens a transaction on the given pooled connection.
// The transaction inherits the manager's deadline; on expiry the backend
// aborts the statement and Commit fails, leaving no partial state.
func (m *Manager) Begin(ctx context.Context, conn *pool.Conn) (*Tx, error) {
	cancel := func() {}
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
	}
	tx, err := conn.Raw().BeginTx(ctx, nil)
	if err != nil {
		cancel()
		conn.MarkBroken()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{ctx: ctx, cancel: cancel, tx: tx}, nil
}

// Tx is a single atomic unit of work. Not safe for concurrent use; it is
// owned by the one operation that began it.
type Tx struct {
	ctx    context.Context
	cancel context.CancelFunc
	tx     *sql.Tx
	spSeq  int
	done   bool
}

// Context returns the transaction-scoped context carrying the deadline.
func (t *Tx) Context() context.Context { return t.ctx }

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	if t.done {
		return nil, ErrDone
	}
	return t.tx.ExecContext(t.ctx, query, args...)
}

// Query runs a query inside the transaction.
func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	if t.done {
		return nil, ErrDone
	}
	return t.tx.QueryContext(t.ctx, query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Commit makes all queued effects durable. After a failed commit the
// transaction counts as finished; a subsequent Rollback is a no-op.
func (t *Tx) Commit() error {
	if t.done {
		return ErrDone
	}
	t.done = true
	defer t.cancel()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback undoes the transaction. Idempotent: safe after Commit, after a
// failed Commit, or when called twice.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.cancel()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Savepoint opens a nested scope. Rolling the savepoint back undoes only
// the operations executed since it was created.
func (t *Tx) Savepoint() (*Savepoint, error) {
	if t.done {
		return nil, ErrDone
	}
	t.spSeq++
	name := fmt.Sprintf("sp_%d", t.spSeq)
	if _, err := t.tx.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint %s: %w", name, err)
	}
	return &Savepoint{tx: t, name: name}, nil
}

// Savepoint is a named point within a transaction to which a partial
// rollback can return.
type Savepoint struct {
	tx       *Tx
	name     string
	finished bool
}

// Release folds the scope into the enclosing transaction.
func (s *Savepoint) Release() error {
	if s.finished || s.tx.done {
		return nil
	}
	s.finished = true
	if _, err := s.tx.tx.ExecContext(s.tx.ctx, "RELEASE "+s.name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", s.name, err)
	}
	return nil
}

// Rollback undoes operations since the savepoint. Idempotent.
func (s *Savepoint) Rollback() error {
	if s.finished || s.tx.done {
		return nil
	}
	s.finished = true
	if _, err := s.tx.tx.ExecContext(s.tx.ctx, "ROLLBACK TO "+s.name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", s.name, err)
	}
	// Discard the savepoint itself; the outer transaction stays open.
	if _, err := s.tx.tx.ExecContext(s.tx.ctx, "RELEASE "+s.name); err != nil {
		return fmt.Errorf("release savepoint %s after rollback: %w", s.name, err)
	}
	return nil
}

package txn

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvault/docvault/internal/pool"
)

func testConn(t *testing.T) *pool.Conn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	p, err := pool.New(db, 2)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	conn, err := p.Acquire(context.Background(), time.Second, pool.NoPreference)
	require.NoError(t, err)
	t.Cleanup(func() { p.Release(conn) })
	return conn
}

func countItems(t *testing.T, conn *pool.Conn) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM items").Scan(&n))
	return n
}

func TestCommitPersists(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, countItems(t, conn))
}

func TestRollbackDiscards(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, countItems(t, conn))
}

func TestRollbackIdempotent(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 1, countItems(t, conn))
}

func TestOperationsAfterFinishFail(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	assert.ErrorIs(t, err, ErrDone)

	_, err = tx.Query("SELECT 1")
	assert.ErrorIs(t, err, ErrDone)

	assert.ErrorIs(t, tx.Commit(), ErrDone)

	_, err = tx.Savepoint()
	assert.ErrorIs(t, err, ErrDone)
}

func TestTimeoutAbortsTransaction(t *testing.T) {
	conn := testConn(t)
	m := NewManager(30 * time.Millisecond)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	// The deadline has passed; nothing from this transaction persists.
	if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "b"); err == nil {
		tx.Commit()
	}
	tx.Rollback()

	assert.Equal(t, 0, countItems(t, conn))
}

func TestZeroTimeoutHasNoDeadline(t *testing.T) {
	conn := testConn(t)
	m := NewManager(0)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	_, ok := tx.Context().Deadline()
	assert.False(t, ok)

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestSavepointRollbackKeepsOuterWork(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "outer")
	require.NoError(t, err)

	sp, err := tx.Savepoint()
	require.NoError(t, err)

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "inner")
	require.NoError(t, err)
	require.NoError(t, sp.Rollback())

	require.NoError(t, tx.Commit())

	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM items WHERE name = 'inner'").Scan(&n))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, countItems(t, conn))
}

func TestSavepointReleaseFoldsIntoTransaction(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	sp, err := tx.Savepoint()
	require.NoError(t, err)

	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "inner")
	require.NoError(t, err)
	require.NoError(t, sp.Release())
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, countItems(t, conn))
}

func TestSavepointNesting(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	sp1, err := tx.Savepoint()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "first")
	require.NoError(t, err)

	sp2, err := tx.Savepoint()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO items (name) VALUES (?)", "second")
	require.NoError(t, err)

	require.NoError(t, sp2.Rollback())
	require.NoError(t, sp1.Release())
	require.NoError(t, tx.Commit())

	var names []string
	rows, err := conn.QueryContext(context.Background(), "SELECT name FROM items ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"first"}, names)
}

func TestSavepointIdempotent(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	tx, err := m.Begin(context.Background(), conn)
	require.NoError(t, err)
	defer tx.Rollback()

	sp, err := tx.Savepoint()
	require.NoError(t, err)

	require.NoError(t, sp.Rollback())
	require.NoError(t, sp.Rollback())
	require.NoError(t, sp.Release())

	require.NoError(t, tx.Commit())
}

func TestRollbackOnErrorPattern(t *testing.T) {
	conn := testConn(t)
	m := NewManager(time.Second)

	insert := func(fail bool) error {
		tx, err := m.Begin(context.Background(), conn)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "x"); err != nil {
			return err
		}
		if fail {
			// Duplicate primary key forces a statement error
			if _, err := tx.Exec("INSERT INTO items (id, name) VALUES (1, 'dup')"); err != nil {
				return err
			}
		}
		return tx.Commit()
	}

	require.NoError(t, insert(false))
	require.Error(t, insert(true))

	assert.Equal(t, 1, countItems(t, conn))
}

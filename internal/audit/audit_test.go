package audit

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAssignsIncreasingSeq(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq := l.Record(ctx, Entry{Operation: "create", DocumentID: "doc-1", Outcome: OutcomeOK})
		require.Greater(t, seq, last)
		last = seq
	}
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	l.Record(ctx, Entry{Operation: "read", Outcome: OutcomeOK})

	entries, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Timestamp.After(before))
}

func TestQueryAscendingOrder(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	for _, op := range []string{"create", "update", "delete"} {
		l.Record(ctx, Entry{Operation: op, DocumentID: "doc-1", Outcome: OutcomeOK})
	}

	entries, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "create", entries[0].Operation)
	assert.Equal(t, "update", entries[1].Operation)
	assert.Equal(t, "delete", entries[2].Operation)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
	assert.Less(t, entries[1].Seq, entries[2].Seq)
}

func TestQueryFilters(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	l.Record(ctx, Entry{Operation: "create", DocumentID: "doc-1", Actor: "amy", Outcome: OutcomeOK})
	l.Record(ctx, Entry{Operation: "update", DocumentID: "doc-1", Actor: "amy", Outcome: OutcomeError, Detail: "conflict"})
	l.Record(ctx, Entry{Operation: "create", DocumentID: "doc-2", Actor: "bo", Outcome: OutcomeOK})
	l.Record(ctx, Entry{Operation: "read", DocumentID: "doc-2", Actor: "bo", Outcome: OutcomeTamper, Detail: "integrity tag mismatch"})

	byDoc, err := l.Query(ctx, Filter{DocumentID: "doc-1"})
	require.NoError(t, err)
	assert.Len(t, byDoc, 2)

	byOp, err := l.Query(ctx, Filter{Operation: "create"})
	require.NoError(t, err)
	assert.Len(t, byOp, 2)

	byOutcome, err := l.Query(ctx, Filter{Outcome: OutcomeTamper})
	require.NoError(t, err)
	require.Len(t, byOutcome, 1)
	assert.Equal(t, "doc-2", byOutcome[0].DocumentID)
	assert.Equal(t, "integrity tag mismatch", byOutcome[0].Detail)

	combined, err := l.Query(ctx, Filter{DocumentID: "doc-1", Outcome: OutcomeError})
	require.NoError(t, err)
	assert.Len(t, combined, 1)
}

func TestQuerySinceSeqAndLimit(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 10; i++ {
		seqs = append(seqs, l.Record(ctx, Entry{Operation: "read", Outcome: OutcomeOK}))
	}

	after, err := l.Query(ctx, Filter{SinceSeq: seqs[6]})
	require.NoError(t, err)
	assert.Len(t, after, 3)

	limited, err := l.Query(ctx, Filter{Limit: 4})
	require.NoError(t, err)
	require.Len(t, limited, 4)
	assert.Equal(t, seqs[0], limited[0].Seq)
}

func TestSeqSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	l1, err := Open(path, slog.Default())
	require.NoError(t, err)
	first := l1.Record(ctx, Entry{Operation: "create", Outcome: OutcomeOK})
	require.NoError(t, l1.Close())

	l2, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer l2.Close()

	second := l2.Record(ctx, Entry{Operation: "update", Outcome: OutcomeOK})
	assert.Greater(t, second, first)

	entries, err := l2.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecordDegradedModeNeverFailsCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	l, err := Open(path, logger)
	require.NoError(t, err)

	// Break the backing database; Record must degrade, not panic or error
	require.NoError(t, l.db.Close())

	seq := l.Record(context.Background(), Entry{Operation: "create", Outcome: OutcomeOK})
	assert.Equal(t, int64(0), seq)
	assert.Contains(t, buf.String(), "audit log degraded")
}

func TestOpenNilLoggerUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	seq := l.Record(context.Background(), Entry{Operation: "create", Outcome: OutcomeOK})
	assert.Equal(t, int64(1), seq)
}

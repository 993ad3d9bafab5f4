package docstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	a := mustCreate(t, s, "Alpha", []byte("alpha v1"))
	_, err := s.Update(ctx, UpdateRequest{ID: a.ID, Payload: []byte("alpha v2"), ExpectedVersion: 1, ChangeSummary: "edit"})
	require.NoError(t, err)
	b := mustCreate(t, s, "Beta", []byte("beta v1"))
	require.NoError(t, s.Delete(ctx, b.ID, ""))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	// Diverge from the snapshot
	c := mustCreate(t, s, "Gamma", []byte("post-backup"))
	_, err = s.Update(ctx, UpdateRequest{ID: a.ID, Payload: []byte("alpha v3"), ExpectedVersion: 2})
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, bytes.NewReader(snapshot.Bytes()), ""))

	// Alpha is back at v2 with full history
	doc, err := s.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha v2"), doc.Payload)
	assert.Equal(t, int64(2), doc.Version)

	history, err := s.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	v1, err := s.GetVersion(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha v1"), v1.Payload)

	// Beta is still tombstoned, Gamma never existed in the snapshot
	_, err = s.Read(ctx, b.ID)
	assert.True(t, IsNotFound(err))
	all, err := s.Query(ctx, QueryFilter{IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Read(ctx, c.ID)
	assert.True(t, IsNotFound(err))
}

func TestBackupManifest(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	mustCreate(t, s, "One", []byte("p"))
	mustCreate(t, s, "Two", []byte("p"))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	var out backupFile
	require.NoError(t, json.Unmarshal(snapshot.Bytes(), &out))

	assert.Equal(t, backupFormatVersion, out.Manifest.FormatVersion)
	assert.Equal(t, 2, out.Manifest.DocumentCount)
	assert.NotEmpty(t, out.Manifest.Checksum)
	assert.NotEmpty(t, out.Manifest.KeyCheck)
	assert.NotEmpty(t, out.Manifest.CreatedAt)
}

func TestBackupPayloadsStayEncrypted(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	mustCreate(t, s, "Secret", []byte("the plaintext secret"))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	assert.NotContains(t, snapshot.String(), "the plaintext secret")
}

func TestRestoreRejectsChecksumMismatch(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	mustCreate(t, s, "Doc", []byte("p"))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	var out backupFile
	require.NoError(t, json.Unmarshal(snapshot.Bytes(), &out))
	out.Manifest.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	corrupted, err := json.Marshal(out)
	require.NoError(t, err)

	err = s.Restore(ctx, bytes.NewReader(corrupted), "")
	require.Error(t, err)
	assert.True(t, IsRestore(err))
	assert.Contains(t, err.Error(), "checksum")

	// The store is untouched
	docs, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRestoreRejectsMalformedInput(t *testing.T) {
	s := newTestStore(t, testConfig(t))

	err := s.Restore(context.Background(), bytes.NewReader([]byte("not json")), "")
	require.Error(t, err)
	assert.True(t, IsRestore(err))
}

func TestRestoreRejectsUnsupportedFormatVersion(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	mustCreate(t, s, "Doc", []byte("p"))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	var out backupFile
	require.NoError(t, json.Unmarshal(snapshot.Bytes(), &out))
	out.Manifest.FormatVersion = 99
	altered, err := json.Marshal(out)
	require.NoError(t, err)

	err = s.Restore(ctx, bytes.NewReader(altered), "")
	require.Error(t, err)
	assert.True(t, IsRestore(err))
}

func TestRestoreRejectsDifferentMasterKey(t *testing.T) {
	ctx := context.Background()

	source := newTestStore(t, testConfig(t))
	mustCreate(t, source, "Doc", []byte("p"))

	var snapshot bytes.Buffer
	require.NoError(t, source.Backup(ctx, &snapshot, ""))

	otherCfg := testConfig(t)
	otherCfg.Encryption.Passphrase = "a-different-passphrase"
	target := newTestStore(t, otherCfg)

	err := target.Restore(ctx, bytes.NewReader(snapshot.Bytes()), "")
	require.Error(t, err)
	assert.True(t, IsRestore(err))
	assert.Contains(t, err.Error(), "key-mismatch")
}

func TestRestoreRollsBackOnFailedInsert(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	a := mustCreate(t, s, "Alpha", []byte("alpha body"))

	var snapshot bytes.Buffer
	require.NoError(t, s.Backup(ctx, &snapshot, ""))

	// Duplicate the document record. The manifest stays internally
	// consistent, so the restore passes every up-front check and fails
	// only on the second insert, inside the transaction.
	var in backupFile
	require.NoError(t, json.Unmarshal(snapshot.Bytes(), &in))
	var docs []backupDocument
	require.NoError(t, json.Unmarshal(in.Documents, &docs))
	docs = append(docs, docs[0])

	docBytes, err := json.Marshal(docs)
	require.NoError(t, err)
	sum := sha256.Sum256(docBytes)
	in.Documents = docBytes
	in.Manifest.DocumentCount = len(docs)
	in.Manifest.Checksum = hex.EncodeToString(sum[:])
	crafted, err := json.Marshal(in)
	require.NoError(t, err)

	// Diverge from the snapshot so a leaked DELETE would be visible.
	b := mustCreate(t, s, "Beta", []byte("beta body"))

	err = s.Restore(ctx, bytes.NewReader(crafted), "")
	require.Error(t, err)
	assert.True(t, IsRestore(err))

	// The transaction rolled back: both documents are intact.
	s.cache.Purge()
	doc, err := s.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha body"), doc.Payload)

	doc, err = s.Read(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta body"), doc.Payload)
}

func TestRestoreEmptySnapshotClearsStore(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()

	var empty bytes.Buffer
	require.NoError(t, s.Backup(ctx, &empty, ""))

	mustCreate(t, s, "Doc", []byte("p"))

	require.NoError(t, s.Restore(ctx, bytes.NewReader(empty.Bytes()), ""))

	docs, err := s.Query(ctx, QueryFilter{IncludeTombstoned: true})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

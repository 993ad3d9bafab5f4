package docstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreErrorMessage(t *testing.T) {
	withDoc := notFoundErr("doc-1")
	assert.Equal(t, "NOT_FOUND: document not found (document=doc-1)", withDoc.Error())

	withoutDoc := maintenanceErr()
	assert.Equal(t, "MAINTENANCE_IN_PROGRESS: key rotation in progress, writes rejected", withoutDoc.Error())
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := transactionErr("doc-1", cause)

	assert.ErrorIs(t, err, cause)
}

func TestPredicatesMatchWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("create: %w", conflictErr("doc-1", 1, 2))

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	retryable := []*StoreError{
		conflictErr("d", 1, 2),
		{Code: ErrCodePoolExhausted},
		transactionErr("d", errors.New("x")),
	}
	for _, err := range retryable {
		assert.True(t, err.Retryable(), "%s should be retryable", err.Code)
	}

	terminal := []*StoreError{
		validationErr("bad input"),
		notFoundErr("d"),
		integrityErr("d"),
		{Code: ErrCodeDecryption},
		restoreErr("checksum mismatch"),
		maintenanceErr(),
		closedErr(),
	}
	for _, err := range terminal {
		assert.False(t, err.Retryable(), "%s should not be retryable", err.Code)
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"readme", "api", "architecture", "guide", "changelog", "note"} {
		k, err := ParseKind(valid)
		require.NoError(t, err)
		assert.Equal(t, Kind(valid), k)
	}

	_, err := ParseKind("journal")
	require.Error(t, err)
}

package docstore

import (
	"errors"
	"fmt"
)

// Code categorizes store errors.
type Code string

const (
	// ErrCodeValidation marks bad caller input; correct the input and retry.
	ErrCodeValidation Code = "VALIDATION"

	// ErrCodeNotFound marks an absent document or version.
	ErrCodeNotFound Code = "NOT_FOUND"

	// ErrCodeConflict marks an optimistic-concurrency violation;
	// re-read and retry.
	ErrCodeConflict Code = "CONFLICT"

	// ErrCodeIntegrity marks tamper detection. Never auto-recovered:
	// the read is refused and the event audited.
	ErrCodeIntegrity Code = "INTEGRITY"

	// ErrCodePoolExhausted marks transient pool pressure; retry with
	// backoff.
	ErrCodePoolExhausted Code = "POOL_EXHAUSTED"

	// ErrCodeTransaction marks a failed or timed-out transaction; the
	// store was rolled back to its pre-transaction state.
	ErrCodeTransaction Code = "TRANSACTION"

	// ErrCodeEncryption marks a failure sealing a payload.
	ErrCodeEncryption Code = "ENCRYPTION"

	// ErrCodeDecryption marks a key or authentication failure opening a
	// payload. Retrying without external action will not help.
	ErrCodeDecryption Code = "DECRYPTION"

	// ErrCodeRestore marks a backup manifest, checksum, or key mismatch.
	ErrCodeRestore Code = "RESTORE"

	// ErrCodeMaintenance marks writes rejected during key rotation.
	ErrCodeMaintenance Code = "MAINTENANCE_IN_PROGRESS"

	// ErrCodeClosed marks an operation against a closed store. The
	// caller holds a stale handle; reopening is the only remedy.
	ErrCodeClosed Code = "CLOSED"
)

// StoreError is the typed error returned by every store operation.
type StoreError struct {
	Code       Code
	Message    string
	DocumentID string
	Err        error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("%s: %s (document=%s)", e.Code, e.Message, e.DocumentID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the operation can succeed without
// external action.
func (e *StoreError) Retryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodePoolExhausted, ErrCodeTransaction:
		return true
	}
	return false
}

// codeIs reports whether err is a StoreError with the given code.
// Uses errors.As to handle wrapped errors.
func codeIs(err error, code Code) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsValidation reports a bad-input error.
func IsValidation(err error) bool { return codeIs(err, ErrCodeValidation) }

// IsNotFound reports an absent document or version.
func IsNotFound(err error) bool { return codeIs(err, ErrCodeNotFound) }

// IsConflict reports an optimistic-concurrency violation.
func IsConflict(err error) bool { return codeIs(err, ErrCodeConflict) }

// IsIntegrity reports tamper detection.
func IsIntegrity(err error) bool { return codeIs(err, ErrCodeIntegrity) }

// IsPoolExhausted reports pool acquire timeout.
func IsPoolExhausted(err error) bool { return codeIs(err, ErrCodePoolExhausted) }

// IsRestore reports a backup restore failure.
func IsRestore(err error) bool { return codeIs(err, ErrCodeRestore) }

// IsMaintenance reports a write rejected during key rotation.
func IsMaintenance(err error) bool { return codeIs(err, ErrCodeMaintenance) }

// IsClosed reports an operation against a closed store.
func IsClosed(err error) bool { return codeIs(err, ErrCodeClosed) }

func validationErr(format string, args ...any) *StoreError {
	return &StoreError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(id string) *StoreError {
	return &StoreError{Code: ErrCodeNotFound, Message: "document not found", DocumentID: id}
}

func conflictErr(id string, expected, actual int64) *StoreError {
	return &StoreError{
		Code:       ErrCodeConflict,
		Message:    fmt.Sprintf("expected version %d, stored version is %d", expected, actual),
		DocumentID: id,
	}
}

func integrityErr(id string) *StoreError {
	return &StoreError{Code: ErrCodeIntegrity, Message: "integrity tag mismatch, refusing to return payload", DocumentID: id}
}

func transactionErr(id string, err error) *StoreError {
	return &StoreError{Code: ErrCodeTransaction, Message: "transaction failed", DocumentID: id, Err: err}
}

func closedErr() *StoreError {
	return &StoreError{Code: ErrCodeClosed, Message: "store is closed"}
}

func maintenanceErr() *StoreError {
	return &StoreError{Code: ErrCodeMaintenance, Message: "key rotation in progress, writes rejected"}
}

func restoreErr(format string, args ...any) *StoreError {
	return &StoreError{Code: ErrCodeRestore, Message: fmt.Sprintf(format, args...)}
}

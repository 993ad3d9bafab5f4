// Package docstore is the encrypted document storage engine.
//
// A Store owns its cipher, integrity verifier, connection pool, document
// cache, transaction manager, version ledger, and audit log; there is no
// process-wide state and the lifecycle is an explicit Open/Close pair.
//
// Writes encrypt and sign the payload, then commit the document row, a
// version-ledger record, and an audit entry in one transaction, and
// invalidate the cache before returning. Reads serve from cache when
// possible; on a miss they fetch through the pool, verify the integrity
// tag, decrypt, and populate the cache. A failed verification is treated
// as tampering: the read is refused and a tamper-detected audit entry is
// written synchronously.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: versions cascade with their document
//   - _txlock=immediate: writers serialize at BEGIN, so an optimistic
//     version check inside the transaction is race-free
//
// Ordering: writes to the same document id are serialized; a caller-
// supplied expected version turns lost updates into ErrCodeConflict.
// Cache invalidation happens before the mutating call returns, so a read
// started after a committed write never observes the old version.
package docstore

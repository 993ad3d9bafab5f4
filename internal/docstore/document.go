package docstore

import (
	"fmt"
	"time"

	"github.com/docuvault/docvault/internal/meta"
)

// Kind is the enumerated document category.
type Kind string

const (
	KindReadme       Kind = "readme"
	KindAPI          Kind = "api"
	KindArchitecture Kind = "architecture"
	KindGuide        Kind = "guide"
	KindChangelog    Kind = "changelog"
	KindNote         Kind = "note"
)

var validKinds = map[Kind]bool{
	KindReadme:       true,
	KindAPI:          true,
	KindArchitecture: true,
	KindGuide:        true,
	KindChangelog:    true,
	KindNote:         true,
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !validKinds[k] {
		return "", fmt.Errorf("unknown document kind %q", s)
	}
	return k, nil
}

// State is the document lifecycle state. Purged documents have no row;
// there is no transition out of purged.
type State string

const (
	StateActive     State = "active"
	StateTombstoned State = "tombstoned"
)

// Document is a decrypted document as returned to callers.
// Payload is plaintext here; at rest it is ciphertext unless the store
// runs in plaintext mode.
type Document struct {
	ID           string
	Kind         Kind
	Title        string
	Payload      []byte
	Metadata     meta.Object
	Version      int64
	IntegrityTag string
	State        State
	Encrypted    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Info returns the metadata-only view of the document.
func (d *Document) Info() DocumentInfo {
	return DocumentInfo{
		ID:        d.ID,
		Kind:      d.Kind,
		Title:     d.Title,
		Metadata:  d.Metadata,
		Version:   d.Version,
		State:     d.State,
		Encrypted: d.Encrypted,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// DocumentInfo is the payload-free document view used by Query results.
type DocumentInfo struct {
	ID        string
	Kind      Kind
	Title     string
	Metadata  meta.Object
	Version   int64
	State     State
	Encrypted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VersionInfo describes one historical version without its payload.
type VersionInfo struct {
	Version       int64
	ChangeSummary string
	CreatedAt     time.Time
}

// VersionView is one historical version with its decrypted payload.
type VersionView struct {
	Version       int64
	Payload       []byte
	ChangeSummary string
	CreatedAt     time.Time
}

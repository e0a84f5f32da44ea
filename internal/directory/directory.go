// Package directory abstracts the condominium directory: the table of AI
// extensions that drives listener configuration, and the apartment/resident
// records used for fuzzy intent validation.
//
// The production implementation lives in [PostgresStore] and
// [PostgresWatcher]; tests use the mock subpackage.
package directory

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Apartment when the apartment has no directory
// entry.
var ErrNotFound = errors.New("directory: not found")

// Extension is one AI extension row: the listener pair serving one building
// gate.
type Extension struct {
	ID           int    `json:"id"`
	IANumber     string `json:"ia_number"`
	ReturnNumber string `json:"return_number"`
	BindIP       string `json:"bind_ip"`
	IAPort       int    `json:"ia_port"`
	ReturnPort   int    `json:"return_port"`
	BuildingID   int    `json:"building_id"`
}

// Entry is the directory record of one apartment.
type Entry struct {
	Apartment  string
	Residents  []string
	VoipNumber string
}

// Store reads the directory.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Extensions returns all active AI extensions.
	Extensions(ctx context.Context) ([]Extension, error)

	// Apartment returns the directory entry for an apartment number.
	// Returns ErrNotFound when the apartment is unknown.
	Apartment(ctx context.Context, apartment string) (*Entry, error)
}

// Action classifies a directory change notification.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ChangeEvent is one directory change notification carrying the affected
// extension row.
type ChangeEvent struct {
	Action    Action    `json:"action"`
	Extension Extension `json:"data"`
}

// Watcher delivers directory change notifications.
type Watcher interface {
	// Watch delivers events on the returned channel until ctx is cancelled.
	// The implementation owns the channel and closes it on exit; connection
	// loss is handled internally with reconnect and backoff.
	Watch(ctx context.Context) (<-chan ChangeEvent, error)
}

// NormalizeVoip extracts the dialable digits from a VoIP number that may be
// stored as bare digits or as a SIP URI ("sip:<digits>@<host>").
func NormalizeVoip(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "sip:")
	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}
	return s
}

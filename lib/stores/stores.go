package stores

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/relay"
)

// ErrEmptyFilter is returned by mutations handed a filter with no
// conditions; an unscoped update or delete is always a caller bug.
var ErrEmptyFilter = errors.New("refusing to mutate events with an empty filter")

// EventRef is an (id, size) pair so pruning decisions never load full rows.
type EventRef struct {
	ID   string
	Size uint64
}

type Store interface {
	InitStore(basepath string, args ...interface{}) error

	// Events
	InsertEvent(relayID string, event *nostr.Event, publisher string) (bool, error)
	GetEvent(relayID string, eventID string) (*nostr.Event, error)
	QueryEvents(relayID string, filter *relay.Filter, includeTags bool) ([]*nostr.Event, error)
	MarkEventsDeleted(relayID string, filter *relay.Filter) error
	DeleteEvents(relayID string, filter *relay.Filter) error
	DeleteAllEvents(relayID string) error

	// Storage accounting
	StorageUsed(relayID string, publisher string) (uint64, error)
	OldestEvents(relayID string, pubkey string, limit int) ([]EventRef, error)
	PruneOldEvents(relayID string, pubkey string, bytesNeeded uint64) error

	// Accounts
	GetAccount(relayID string, pubkey string) (*types.Account, error)
	UpsertAccount(account *types.Account) error
	ListAccounts(relayID string) ([]*types.Account, error)

	// Relays
	CreateRelay(nostrRelay *types.NostrRelay) error
	UpdateRelay(nostrRelay *types.NostrRelay) error
	GetRelay(relayID string) (*types.NostrRelay, error)
	GetUserRelays(userID uint) ([]*types.NostrRelay, error)
	GetActiveRelays() ([]*types.NostrRelay, error)
	DeleteRelay(relayID string) error

	// Panel users
	SignUpUser(npub string, password string) (*types.User, error)
	FindUserByNpub(npub string) (*types.User, error)
	ComparePasswords(hashedPassword string, password string) error
}

package relay

import (
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	types "github.com/lnbits/nostrrelay/lib"
)

// QuotaStore is the slice of persistence the validator needs to decide
// admission
type QuotaStore interface {
	GetAccount(relayID, pubkey string) (*types.Account, error)
	StorageUsed(relayID, pubkey string) (uint64, error)
	PruneOldEvents(relayID, pubkey string, bytesNeeded uint64) error
}

// Validator decides whether a connection's events are admitted. One
// validator per connection: the rate counter inside it is only ever
// touched by that connection's read loop.
type Validator struct {
	relayID   string
	store     QuotaStore
	getConfig func() *types.RelaySpec
	now       func() time.Time

	hourBucket     int64
	eventsThisHour int
}

func NewValidator(relayID string, store QuotaStore, getConfig func() *types.RelaySpec) *Validator {
	return &Validator{
		relayID:   relayID,
		store:     store,
		getConfig: getConfig,
		now:       time.Now,
	}
}

// ValidateWrite runs the admission pipeline for a regular event write:
// rate, signature, time window, then storage unless the event is
// ephemeral. The first failure is the reported reason.
func (v *Validator) ValidateWrite(ev *nostr.Event, publisherPubkey string) *Rejection {
	if rej := v.validateEvent(ev); rej != nil {
		return rej
	}

	if IsEphemeralKind(ev.Kind) {
		return nil
	}

	return v.validateStorage(publisherPubkey, EventSize(ev))
}

// ValidateAuth validates a kind-22242 auth response against the
// connection's current challenge
func (v *Validator) ValidateAuth(ev *nostr.Event, authChallenge string) *Rejection {
	if rej := v.validateEvent(ev); rej != nil {
		return rej
	}

	relayTags := TagValues(ev, "relay")
	challengeTags := TagValues(ev, "challenge")
	if len(relayTags) != 1 || len(challengeTags) != 1 {
		return Reject(RejectInvalidAuth, "auth event must carry exactly one relay and one challenge tag")
	}

	if ExtractDomain(relayTags[0]) != strings.ToLower(v.getConfig().Domain) {
		return Reject(RejectInvalidAuth, "wrong relay domain for auth event")
	}

	if authChallenge == "" || challengeTags[0] != authChallenge {
		return Reject(RejectInvalidAuth, "wrong challenge value for auth event")
	}

	return nil
}

func (v *Validator) validateEvent(ev *nostr.Event) *Rejection {
	if v.exceededMaxEventsPerHour() {
		return Reject(RejectRateLimit, "max %d events per hour", v.getConfig().MaxEventsPerHour)
	}

	if rej := CheckSignature(ev); rej != nil {
		return rej
	}

	return v.createdAtInRange(int64(ev.CreatedAt))
}

func (v *Validator) validateStorage(pubkey string, eventSize uint64) *Rejection {
	config := v.getConfig()

	if config.IsReadOnly() {
		return Reject(RejectReadOnly, "relay does not accept events")
	}

	account, err := v.store.GetAccount(v.relayID, pubkey)
	if err != nil {
		return Reject(RejectInternal, "failed to load account")
	}
	if account == nil {
		account = &types.Account{RelayID: v.relayID, Pubkey: pubkey}
	}

	if account.Blocked {
		return Reject(RejectBlocked, "pubkey '%s' is not allowed on relay '%s'", pubkey, v.relayID)
	}

	if config.IsPaidRelay && !account.CanJoin() {
		return Reject(RejectPaidRelay, "'%s' is a paid relay", v.relayID)
	}

	storedBytes, err := v.store.StorageUsed(v.relayID, pubkey)
	if err != nil {
		return Reject(RejectInternal, "failed to read storage usage")
	}

	totalAvailable := account.Storage + config.FreeStorageBytes()
	if storedBytes+eventSize <= totalAvailable {
		return nil
	}

	if config.FullStorageAction == types.FullStorageBlock {
		return Reject(RejectNoStorage, "no more storage available for pubkey '%s'", pubkey)
	}

	if eventSize > totalAvailable {
		return Reject(RejectTooLarge, "event is larger than the available storage")
	}

	if err := v.store.PruneOldEvents(v.relayID, pubkey, eventSize); err != nil {
		return Reject(RejectInternal, "failed to prune old events")
	}

	return nil
}

// exceededMaxEventsPerHour counts the current event against the hour
// bucket floor(now/3600); the counter resets when the bucket changes
func (v *Validator) exceededMaxEventsPerHour() bool {
	maxPerHour := v.getConfig().MaxEventsPerHour
	if maxPerHour == 0 {
		return false
	}

	bucket := v.now().Unix() / 3600
	if bucket == v.hourBucket {
		v.eventsThisHour++
	} else {
		v.hourBucket = bucket
		v.eventsThisHour = 1
	}

	return v.eventsThisHour > maxPerHour
}

func (v *Validator) createdAtInRange(createdAt int64) *Rejection {
	config := v.getConfig()
	currentTime := v.now().Unix()

	if past := config.CreatedAtInPast(); past != 0 && createdAt < currentTime-past {
		return Reject(RejectTooOld, "created_at is too far in the past")
	}
	if future := config.CreatedAtInFuture(); future != 0 && createdAt > currentTime+future {
		return Reject(RejectTooFarFuture, "created_at is too far in the future")
	}

	return nil
}

// ExtractDomain pulls the lowercase hostname out of a relay URL,
// ignoring scheme, port and path
func ExtractDomain(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "//") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

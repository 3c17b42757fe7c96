package lib

import (
	"encoding/json"
	"fmt"
)

// Relay config blocks. JSON uses the camelCase aliases the dashboard and
// the public info document speak; the snake_case names live only in code.

// FilterSpec bounds what a single connection may subscribe to
type FilterSpec struct {
	MaxClientFilters int `json:"maxClientFilters"` // 0 = unlimited
	LimitPerFilter   int `json:"limitPerFilter"`
}

// EventSpec bounds what events a relay accepts
type EventSpec struct {
	MaxEventsPerHour int `json:"maxEventsPerHour"` // 0 = unlimited

	CreatedAtDaysPast    int `json:"createdAtDaysPast"`
	CreatedAtHoursPast   int `json:"createdAtHoursPast"`
	CreatedAtMinutesPast int `json:"createdAtMinutesPast"`
	CreatedAtSecondsPast int `json:"createdAtSecondsPast"`

	CreatedAtDaysFuture    int `json:"createdAtDaysFuture"`
	CreatedAtHoursFuture   int `json:"createdAtHoursFuture"`
	CreatedAtMinutesFuture int `json:"createdAtMinutesFuture"`
	CreatedAtSecondsFuture int `json:"createdAtSecondsFuture"`
}

// CreatedAtInPast returns how many seconds into the past an event's
// created_at may lie; 0 disables the check
func (s *EventSpec) CreatedAtInPast() int64 {
	return int64(s.CreatedAtDaysPast)*86400 +
		int64(s.CreatedAtHoursPast)*3600 +
		int64(s.CreatedAtMinutesPast)*60 +
		int64(s.CreatedAtSecondsPast)
}

// CreatedAtInFuture returns how many seconds into the future an event's
// created_at may lie; 0 disables the check
func (s *EventSpec) CreatedAtInFuture() int64 {
	return int64(s.CreatedAtDaysFuture)*86400 +
		int64(s.CreatedAtHoursFuture)*3600 +
		int64(s.CreatedAtMinutesFuture)*60 +
		int64(s.CreatedAtSecondsFuture)
}

const (
	FullStoragePrune = "prune"
	FullStorageBlock = "block"
)

// StorageSpec describes the free storage every pubkey gets and what
// happens when it runs out
type StorageSpec struct {
	FreeStorageValue  int    `json:"freeStorageValue"`
	FreeStorageUnit   string `json:"freeStorageUnit"` // "MB", anything else means KB
	FullStorageAction string `json:"fullStorageAction"`
}

// FreeStorageBytes computes the byte allowance from value+unit
func (s *StorageSpec) FreeStorageBytes() uint64 {
	value := uint64(s.FreeStorageValue) * 1024
	if s.FreeStorageUnit == "MB" {
		value *= 1024
	}
	return value
}

// AuthSpec is the NIP-42 admission policy; never part of the public
// info document
type AuthSpec struct {
	RequireAuthEvents bool  `json:"requireAuthEvents"`
	SkippedAuthEvents []int `json:"skippedAuthEvents"`
	ForcedAuthEvents  []int `json:"forcedAuthEvents"`
	RequireAuthFilter bool  `json:"requireAuthFilter"`
}

// EventRequiresAuth reports whether events of the given kind may only be
// published over an authenticated connection
func (s *AuthSpec) EventRequiresAuth(kind int) bool {
	if s.RequireAuthEvents {
		for _, skipped := range s.SkippedAuthEvents {
			if kind == skipped {
				return false
			}
		}
		return true
	}
	for _, forced := range s.ForcedAuthEvents {
		if kind == forced {
			return true
		}
	}
	return false
}

// PaymentSpec describes paid admission and storage pricing
type PaymentSpec struct {
	IsPaidRelay      bool   `json:"isPaidRelay"`
	CostToJoin       int64  `json:"costToJoin"` // sats
	StorageCostValue int64  `json:"storageCostValue"`
	StorageCostUnit  string `json:"storageCostUnit"` // "MB", anything else means KB
}

func (s *PaymentSpec) IsFreeToJoin() bool {
	return !s.IsPaidRelay || s.CostToJoin == 0
}

// StorageCostBytes returns how many bytes one storage unit buys
func (s *PaymentSpec) StorageCostBytes() uint64 {
	value := uint64(1024)
	if s.StorageCostUnit == "MB" {
		value *= 1024
	}
	return value
}

// WalletSpec names the wallet invoices are created against; never public
type WalletSpec struct {
	Wallet string `json:"wallet"`
}

// RelayPublicSpec is the config subset published in the relay info
// document
type RelayPublicSpec struct {
	FilterSpec
	EventSpec
	StorageSpec
	PaymentSpec
	Domain string `json:"domain"`
}

// IsReadOnly reports whether the relay can never accept writes: nothing
// is free and nothing can be bought
func (s *RelayPublicSpec) IsReadOnly() bool {
	return s.FreeStorageValue == 0 && !s.IsPaidRelay
}

// RelaySpec is the full per-relay configuration
type RelaySpec struct {
	RelayPublicSpec
	WalletSpec
	AuthSpec
}

// DefaultRelaySpec returns a spec carrying the documented defaults;
// decode config blobs on top of it so absent keys keep their defaults
func DefaultRelaySpec() *RelaySpec {
	spec := &RelaySpec{}
	spec.LimitPerFilter = 1000
	spec.FreeStorageValue = 1
	spec.FreeStorageUnit = "MB"
	spec.FullStorageAction = FullStoragePrune
	spec.StorageCostUnit = "MB"
	return spec
}

// RelaySpecFromJSON decodes a config blob over the defaults
func RelaySpecFromJSON(data []byte) (*RelaySpec, error) {
	spec := DefaultRelaySpec()
	if len(data) == 0 {
		return spec, nil
	}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to decode relay config: %w", err)
	}
	return spec, nil
}

// NostrRelay is one hosted relay instance
type NostrRelay struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	UserID      uint       `gorm:"index" json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Pubkey      string     `json:"pubkey"`
	Contact     string     `json:"contact"`
	Active      bool       `json:"active"`
	Meta        *RelaySpec `gorm:"serializer:json" json:"meta"`
}

// Spec returns the relay config, defaulting when the row carries none
func (r *NostrRelay) Spec() *RelaySpec {
	if r.Meta == nil {
		return DefaultRelaySpec()
	}
	return r.Meta
}

// SupportedNIPs is advertised in the relay info document
var SupportedNIPs = []int{1, 2, 4, 9, 11, 15, 16, 20, 22, 28, 42}

// Account is the per-(relay, pubkey) admission and storage record. An
// absent row behaves as the zero value: no grants, no flags.
type Account struct {
	RelayID    string `gorm:"primaryKey;size:64" json:"relay_id"`
	Pubkey     string `gorm:"primaryKey;size:64" json:"pubkey"`
	Sats       int64  `json:"sats"`
	Storage    uint64 `json:"storage"` // granted bytes on top of the free allowance
	PaidToJoin bool   `json:"paid_to_join"`
	Allowed    bool   `json:"allowed"`
	Blocked    bool   `json:"blocked"`
}

// CanJoin reports whether the pubkey may write to a paid relay
func (a *Account) CanJoin() bool {
	return a.PaidToJoin || a.Allowed
}

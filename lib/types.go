package lib

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// User is an admin account able to manage relays through the web API
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Npub      string    `gorm:"uniqueIndex;size:128" json:"npub"`
	Password  string    `json:"-"` // bcrypt hash
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LoginPayload represents the structure of the login request payload
type LoginPayload struct {
	Npub     string `json:"npub"`
	Password string `json:"password"`
}

// JWTClaims represents the structure of the JWT claims
type JWTClaims struct {
	UserID uint   `json:"user_id"`
	Npub   string `json:"npub"`
	jwt.RegisteredClaims
}

// BuyOrder describes what a pubkey is paying for on a relay. It rides
// along as invoice metadata and is read back by the payment listener.
type BuyOrder struct {
	Action     string `json:"action"` // "join" or "storage"
	RelayID    string `json:"relay_id"`
	Pubkey     string `json:"pubkey"`
	UnitsToBuy int64  `json:"units_to_buy"`
}

func (o *BuyOrder) IsValidAction() bool {
	return o.Action == BuyActionJoin || o.Action == BuyActionStorage
}

const (
	BuyActionJoin    = "join"
	BuyActionStorage = "storage"

	// InvoiceTag marks invoices belonging to this system; the payment
	// listener ignores everything else.
	InvoiceTag = "nostrrely"
)

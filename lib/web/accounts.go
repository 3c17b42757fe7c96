package web

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/nbd-wtf/go-nostr/nip19"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
)

// accountPayload updates admission flags and the storage grant; nil
// fields keep their current value.
type accountPayload struct {
	Allowed *bool   `json:"allowed"`
	Blocked *bool   `json:"blocked"`
	Storage *uint64 `json:"storage"`
}

func (s *Server) listAccounts(c *fiber.Ctx) error {
	row, errResp := s.ownedRelay(c)
	if row == nil {
		return errResp
	}

	accounts, err := s.store.ListAccounts(row.ID)
	if err != nil {
		logging.Errorf("Failed to list accounts of relay %s: %v", row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if accounts == nil {
		accounts = []*types.Account{}
	}

	return c.JSON(accounts)
}

func (s *Server) updateAccount(c *fiber.Ctx) error {
	row, errResp := s.ownedRelay(c)
	if row == nil {
		return errResp
	}

	pubkey, err := normalizePublicKey(c.Params("pubkey"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var payload accountPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	account, err := s.store.GetAccount(row.ID, pubkey)
	if err != nil {
		logging.Errorf("Failed to load account %s on relay %s: %v", pubkey, row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if account == nil {
		account = &types.Account{RelayID: row.ID, Pubkey: pubkey}
	}

	if payload.Allowed != nil {
		account.Allowed = *payload.Allowed
	}
	if payload.Blocked != nil {
		account.Blocked = *payload.Blocked
	}
	if payload.Storage != nil {
		account.Storage = *payload.Storage
	}

	if err := s.store.UpsertAccount(account); err != nil {
		logging.Errorf("Failed to update account %s on relay %s: %v", pubkey, row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update account",
		})
	}

	return c.JSON(account)
}

// normalizePublicKey accepts an npub or 64-char hex key and returns the
// lowercase hex form used everywhere internally.
func normalizePublicKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)

	if strings.HasPrefix(key, "npub1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("invalid npub")
		}
		return value.(string), nil
	}

	key = strings.ToLower(key)
	if len(key) != 64 {
		return "", fmt.Errorf("public key must be 64 hex characters or an npub")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("public key must be 64 hex characters or an npub")
	}

	return key, nil
}

package web

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/relay"
)

// relayPayload is the body of relay create/update requests. Config is
// decoded separately so absent keys keep their defaults.
type relayPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Pubkey      string          `json:"pubkey"`
	Contact     string          `json:"contact"`
	Active      *bool           `json:"active"`
	Config      json.RawMessage `json:"config"`
}

func (s *Server) createRelay(c *fiber.Ctx) error {
	user := currentUser(c)

	var payload relayPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	if strings.TrimSpace(payload.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Relay name is required",
		})
	}

	relayID := strings.ToLower(strings.TrimSpace(payload.ID))
	if relayID == "" {
		relayID = newRelayID()
	}
	if !isValidRelayID(relayID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Relay id may only contain letters, digits, '-' and '_'",
		})
	}

	existing, err := s.store.GetRelay(relayID)
	if err != nil {
		logging.Errorf("Failed to look up relay %s: %v", relayID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if existing != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Relay with this id already exists",
		})
	}

	spec, err := types.RelaySpecFromJSON(payload.Config)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	spec.Domain = relay.ExtractDomain(c.Hostname())

	active := payload.Active == nil || *payload.Active
	row := &types.NostrRelay{
		ID:          relayID,
		UserID:      user.UserID,
		Name:        payload.Name,
		Description: payload.Description,
		Pubkey:      payload.Pubkey,
		Contact:     payload.Contact,
		Active:      active,
		Meta:        spec,
	}

	if err := s.store.CreateRelay(row); err != nil {
		logging.Errorf("Failed to create relay %s: %v", relayID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create relay",
		})
	}

	if active {
		if err := s.manager.EnableRelay(row); err != nil {
			logging.Errorf("Relay %s created but not activated: %v", relayID, err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(row)
}

func (s *Server) updateRelay(c *fiber.Ctx) error {
	row, errResp := s.ownedRelay(c)
	if row == nil {
		return errResp
	}

	var payload relayPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	if payload.Name != "" {
		row.Name = payload.Name
	}
	row.Description = payload.Description
	row.Pubkey = payload.Pubkey
	row.Contact = payload.Contact

	if payload.Config != nil {
		spec, err := types.RelaySpecFromJSON(payload.Config)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		spec.Domain = relay.ExtractDomain(c.Hostname())
		row.Meta = spec
	}

	if payload.Active != nil {
		row.Active = *payload.Active
	}

	if err := s.store.UpdateRelay(row); err != nil {
		logging.Errorf("Failed to update relay %s: %v", row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update relay",
		})
	}

	if row.Active {
		if err := s.manager.EnableRelay(row); err != nil {
			logging.Errorf("Relay %s updated but not activated: %v", row.ID, err)
		}
	} else {
		s.manager.DisableRelay(row.ID)
	}

	return c.JSON(row)
}

func (s *Server) getRelays(c *fiber.Ctx) error {
	user := currentUser(c)

	relays, err := s.store.GetUserRelays(user.UserID)
	if err != nil {
		logging.Errorf("Failed to list relays for user %d: %v", user.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if relays == nil {
		relays = []*types.NostrRelay{}
	}

	return c.JSON(relays)
}

func (s *Server) getRelay(c *fiber.Ctx) error {
	row, errResp := s.ownedRelay(c)
	if row == nil {
		return errResp
	}

	return c.JSON(row)
}

// deleteRelay stops the relay, purges its events and removes the row.
func (s *Server) deleteRelay(c *fiber.Ctx) error {
	row, errResp := s.ownedRelay(c)
	if row == nil {
		return errResp
	}

	s.manager.DisableRelay(row.ID)

	if err := s.store.DeleteAllEvents(row.ID); err != nil {
		logging.Errorf("Failed to purge events of relay %s: %v", row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete relay",
		})
	}

	if err := s.store.DeleteRelay(row.ID); err != nil {
		logging.Errorf("Failed to delete relay %s: %v", row.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete relay",
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ownedRelay loads the relay from the :relayID route param and checks
// it belongs to the authenticated user. Foreign relays read as absent.
func (s *Server) ownedRelay(c *fiber.Ctx) (*types.NostrRelay, error) {
	user := currentUser(c)
	relayID := c.Params("relayID")

	row, err := s.store.GetRelay(relayID)
	if err != nil {
		logging.Errorf("Failed to look up relay %s: %v", relayID, err)
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if row == nil || row.UserID != user.UserID {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Cannot find relay",
		})
	}

	return row, nil
}

func newRelayID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func isValidRelayID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

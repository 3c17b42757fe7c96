package web

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/payments"
)

// createInvoice is public: the buyers are relay users identified by
// pubkey, not panel users. Access is only granted once the paid invoice
// comes back through the webhook.
func (s *Server) createInvoice(c *fiber.Ctx) error {
	var order types.BuyOrder
	if err := c.BodyParser(&order); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	if !order.IsValidAction() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Action must be 'join' or 'storage'",
		})
	}

	pubkey, err := normalizePublicKey(order.Pubkey)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	order.Pubkey = pubkey
	order.RelayID = c.Params("relayID")

	row, err := s.store.GetRelay(order.RelayID)
	if err != nil {
		logging.Errorf("Failed to look up relay %s: %v", order.RelayID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if row == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Cannot find relay",
		})
	}

	spec := row.Spec()
	if !spec.IsPaidRelay {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Relay is not a paid relay",
		})
	}

	account, err := s.store.GetAccount(order.RelayID, pubkey)
	if err != nil {
		logging.Errorf("Failed to load account %s on relay %s: %v", pubkey, order.RelayID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if account == nil {
		account = &types.Account{RelayID: order.RelayID, Pubkey: pubkey}
	}
	if account.Blocked {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Pubkey is not allowed on this relay",
		})
	}

	amountSats, err := invoiceAmount(spec, &order, account)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	memo := fmt.Sprintf("Nostr relay %s: %s", order.RelayID, order.Action)
	invoice, err := s.provider.CreateInvoice(c.Context(), spec.Wallet, amountSats, memo, payments.InvoiceExtra{
		Tag:      types.InvoiceTag,
		BuyOrder: order,
	})
	if err != nil {
		logging.Errorf("Failed to create invoice for relay %s: %v", order.RelayID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create invoice",
		})
	}

	// The wallet id stays server-side.
	invoice.Wallet = ""

	return c.Status(fiber.StatusCreated).JSON(invoice)
}

// invoiceAmount prices the order; any error is the client-facing reason
// the order cannot be priced.
func invoiceAmount(spec *types.RelaySpec, order *types.BuyOrder, account *types.Account) (int64, error) {
	switch order.Action {
	case types.BuyActionJoin:
		if spec.IsFreeToJoin() {
			return 0, errors.New("Relay is free to join")
		}
		if account.CanJoin() {
			return 0, errors.New("Pubkey already has access to this relay")
		}
		return spec.CostToJoin, nil

	default:
		if spec.StorageCostValue <= 0 {
			return 0, errors.New("Relay does not sell storage")
		}
		if order.UnitsToBuy <= 0 {
			return 0, errors.New("units_to_buy must be positive")
		}
		return order.UnitsToBuy * spec.StorageCostValue, nil
	}
}

// paymentsWebhook receives paid-invoice notifications from whatever
// bridges the wallet backend and feeds them to the credit listener.
func (s *Server) paymentsWebhook(c *fiber.Ctx) error {
	var invoice payments.Invoice
	if err := c.BodyParser(&invoice); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	s.listener.Enqueue(&invoice)

	return c.JSON(fiber.Map{
		"message": "Payment queued",
	})
}

// apiKeyMiddleware guards machine endpoints with the configured API
// key; with no key configured the endpoints stay closed.
func apiKeyMiddleware(c *fiber.Ctx) error {
	apiKey := viper.GetString("web.api_key")
	if apiKey == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "No API key configured",
		})
	}

	if c.Get("X-API-Key") != apiKey {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid API key",
		})
	}

	return c.Next()
}

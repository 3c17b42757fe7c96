package websocket

import (
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/stores"
)

// NIP11RelayInfo is the relay information document served on the relay
// path for Accept: application/nostr+json requests.
type NIP11RelayInfo struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Pubkey        string                 `json:"pubkey"`
	Contact       string                 `json:"contact"`
	SupportedNIPs []int                  `json:"supported_nips"`
	Software      string                 `json:"software"`
	Version       string                 `json:"version"`
	Config        *types.RelayPublicSpec `json:"config"`
}

// RelayInfo builds the information document for a relay row. The config
// section carries only the public subset of the relay spec, never the
// wallet or auth settings.
func RelayInfo(row *types.NostrRelay) NIP11RelayInfo {
	spec := row.Spec()
	return NIP11RelayInfo{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Pubkey:        row.Pubkey,
		Contact:       row.Contact,
		SupportedNIPs: types.SupportedNIPs,
		Software:      viper.GetString("relay.software"),
		Version:       viper.GetString("relay.version"),
		Config:        &spec.RelayPublicSpec,
	}
}

// BuildServer wires the public relay surface onto a fiber app: the
// NIP-11 middleware and the per-relay websocket endpoint. The admin API
// registers its own routes on the returned app.
func BuildServer(store stores.Store, manager *Manager) *fiber.App {
	app := fiber.New()

	app.Use(handleRelayInfoRequests(store))

	app.Get("/:relayID", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return relayLandingPage(c, store)
	}, websocket.New(func(ws *websocket.Conn) {
		relayID := ws.Params("relayID")

		conn := NewConnection(relayID, ws, store, viper.GetInt("relay.send_queue_size"))
		defer manager.RemoveClient(conn)

		// Run even when admission fails so the writer can deliver the
		// refusal notice before the socket closes.
		manager.AddClient(conn)
		conn.Run()
	}))

	return app
}

func StartServer(app *fiber.App) error {
	address := fmt.Sprintf("%s:%d", viper.GetString("server.host"), viper.GetInt("server.port"))
	logging.Infof("Relay server listening on %s", address)
	return app.Listen(address)
}

// handleRelayInfoRequests serves the NIP-11 information document for
// GET requests on a relay path carrying Accept: application/nostr+json.
func handleRelayInfoRequests(store stores.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodGet || c.Get("Accept") != "application/nostr+json" {
			return c.Next()
		}

		relayID := strings.Trim(c.Path(), "/")
		if relayID == "" || strings.Contains(relayID, "/") {
			return c.Next()
		}

		row, err := store.GetRelay(relayID)
		if err != nil {
			logging.Errorf("Failed to load relay %s for info document: %v", relayID, err)
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if row == nil {
			return c.Status(fiber.StatusNotFound).SendString("Cannot find relay")
		}

		c.Set("Access-Control-Allow-Origin", "*")
		return c.JSON(RelayInfo(row))
	}
}

func relayLandingPage(c *fiber.Ctx, store stores.Store) error {
	row, err := store.GetRelay(c.Params("relayID"))
	if err != nil {
		logging.Errorf("Failed to load relay %s: %v", c.Params("relayID"), err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if row == nil {
		return c.Status(fiber.StatusNotFound).SendString("Cannot find relay")
	}

	page := fmt.Sprintf("%s\n\n%s\n\nThis is a Nostr relay. Connect with a WebSocket client.\n", row.Name, row.Description)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(page)
}

package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/lnbits/nostrrelay/lib/payments"
	"github.com/lnbits/nostrrelay/lib/stores"
	ws "github.com/lnbits/nostrrelay/lib/transports/websocket"
)

// Server carries the dependencies of the admin API handlers.
type Server struct {
	store    stores.Store
	manager  *ws.Manager
	listener *payments.Listener
	provider payments.Provider
}

// Register mounts the admin API under /api/v1 on an existing fiber app.
// Relay websocket routes match a single path segment, so the nested API
// paths never collide with them.
func Register(app *fiber.App, store stores.Store, manager *ws.Manager, listener *payments.Listener, provider payments.Provider) *Server {
	initJWTKey()

	s := &Server{
		store:    store,
		manager:  manager,
		listener: listener,
		provider: provider,
	}

	api := app.Group("/api/v1", cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	api.Post("/auth/signup", s.signUpUser)
	api.Post("/auth/login", s.loginUser)
	api.Post("/auth/refresh", jwtMiddleware, refreshToken)

	// Buyers are not panel users; invoices are public and the webhook
	// authenticates with the API key instead.
	api.Post("/relays/:relayID/invoice", s.createInvoice)
	api.Post("/payments/webhook", apiKeyMiddleware, s.paymentsWebhook)

	relays := api.Group("/relays", jwtMiddleware)
	relays.Post("/", s.createRelay)
	relays.Get("/", s.getRelays)
	relays.Get("/:relayID", s.getRelay)
	relays.Put("/:relayID", s.updateRelay)
	relays.Delete("/:relayID", s.deleteRelay)
	relays.Get("/:relayID/accounts", s.listAccounts)
	relays.Put("/:relayID/accounts/:pubkey", s.updateAccount)

	return s
}

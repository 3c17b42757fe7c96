package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/payments"
	"github.com/lnbits/nostrrelay/lib/relay"
	"github.com/lnbits/nostrrelay/lib/stores/relaydb"
	ws "github.com/lnbits/nostrrelay/lib/transports/websocket"
)

type apiRig struct {
	app      *fiber.App
	store    *relaydb.GormRelayStore
	manager  *ws.Manager
	listener *payments.Listener
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	viper.Set("web.jwt_secret", "test-secret")
	viper.Set("web.api_key", "test-api-key")
	viper.Set("web.signup_enabled", true)

	store, err := relaydb.InitStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)

	manager := ws.NewManager(store)
	listener := payments.NewListener(store, 16)

	app := fiber.New()
	Register(app, store, manager, listener, payments.LocalProvider{})

	return &apiRig{app: app, store: store, manager: manager, listener: listener}
}

func (rig *apiRig) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := rig.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func newNpub(t *testing.T) string {
	t.Helper()

	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	npub, err := nip19.EncodePublicKey(pk)
	require.NoError(t, err)
	return npub
}

func newPubkey(t *testing.T) string {
	t.Helper()

	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return pk
}

// signUpAndLogin registers a fresh panel user and returns a usable token.
func (rig *apiRig) signUpAndLogin(t *testing.T) string {
	t.Helper()

	npub := newNpub(t)
	resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: npub, Password: "password123"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = rig.do(t, "POST", "/api/v1/auth/login", "", types.LoginPayload{Npub: npub, Password: "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &result)
	require.NotEmpty(t, result.Token)
	return result.Token
}

func TestSignupAndLogin(t *testing.T) {
	rig := newAPIRig(t)
	npub := newNpub(t)

	t.Run("signup creates a user", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: npub, Password: "password123"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("duplicate signup is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: npub, Password: "password123"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid npub is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: "not-an-npub", Password: "password123"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("short password is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: newNpub(t), Password: "short"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("login returns a token", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/login", "", types.LoginPayload{Npub: npub, Password: "password123"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Token string `json:"token"`
			User  struct {
				ID   uint   `json:"id"`
				Npub string `json:"npub"`
			} `json:"user"`
		}
		decodeBody(t, resp, &result)
		assert.NotEmpty(t, result.Token)
		assert.Equal(t, npub, result.User.Npub)
		assert.NotZero(t, result.User.ID)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/login", "", types.LoginPayload{Npub: npub, Password: "wrong-password"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown npub is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/auth/login", "", types.LoginPayload{Npub: newNpub(t), Password: "password123"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("signup can be disabled", func(t *testing.T) {
		viper.Set("web.signup_enabled", false)
		defer viper.Set("web.signup_enabled", true)

		resp := rig.do(t, "POST", "/api/v1/auth/signup", "", types.LoginPayload{Npub: newNpub(t), Password: "password123"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestAuthRequired(t *testing.T) {
	rig := newAPIRig(t)

	t.Run("missing token", func(t *testing.T) {
		resp := rig.do(t, "GET", "/api/v1/relays", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := rig.do(t, "GET", "/api/v1/relays", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		token := rig.signUpAndLogin(t)
		resp := rig.do(t, "GET", "/api/v1/relays", token, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("refresh issues a working token", func(t *testing.T) {
		token := rig.signUpAndLogin(t)

		resp := rig.do(t, "POST", "/api/v1/auth/refresh", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Token string `json:"token"`
		}
		decodeBody(t, resp, &result)
		require.NotEmpty(t, result.Token)

		resp = rig.do(t, "GET", "/api/v1/relays", result.Token, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRelayLifecycle(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.signUpAndLogin(t)

	t.Run("create assigns an id and activates", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"name": "My Relay"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var row types.NostrRelay
		decodeBody(t, resp, &row)
		assert.Len(t, row.ID, 8)
		assert.Equal(t, "My Relay", row.Name)
		assert.True(t, row.Active)
		assert.NotNil(t, rig.manager.Config(row.ID))
	})

	t.Run("create with explicit id and config", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{
			"id":   "my-relay",
			"name": "Custom",
			"config": fiber.Map{
				"limitPerFilter": 50,
				"isPaidRelay":    true,
				"costToJoin":     21,
			},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		config := rig.manager.Config("my-relay")
		require.NotNil(t, config)
		assert.Equal(t, 50, config.LimitPerFilter)
		assert.True(t, config.IsPaidRelay)
		assert.Equal(t, int64(21), config.CostToJoin)
		// Host of the serving request becomes the relay domain.
		assert.Equal(t, "example.com", config.Domain)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"id": "my-relay", "name": "Again"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid id is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"id": "has spaces!", "name": "Bad"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing name is rejected", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"id": "unnamed"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("inactive relay is not enabled", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"id": "parked", "name": "Parked", "active": false})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Nil(t, rig.manager.Config("parked"))
	})

	t.Run("list is owner scoped", func(t *testing.T) {
		resp := rig.do(t, "GET", "/api/v1/relays", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rows []types.NostrRelay
		decodeBody(t, resp, &rows)
		assert.Len(t, rows, 3)

		other := rig.signUpAndLogin(t)
		resp = rig.do(t, "GET", "/api/v1/relays", other, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var foreign []types.NostrRelay
		decodeBody(t, resp, &foreign)
		assert.Empty(t, foreign)
	})

	t.Run("foreign relay reads as absent", func(t *testing.T) {
		other := rig.signUpAndLogin(t)

		resp := rig.do(t, "GET", "/api/v1/relays/my-relay", other, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = rig.do(t, "PUT", "/api/v1/relays/my-relay", other, fiber.Map{"name": "Hijack"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp = rig.do(t, "DELETE", "/api/v1/relays/my-relay", other, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("update swaps config and live state", func(t *testing.T) {
		resp := rig.do(t, "PUT", "/api/v1/relays/my-relay", token, fiber.Map{
			"name":   "Renamed",
			"config": fiber.Map{"limitPerFilter": 75},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		config := rig.manager.Config("my-relay")
		require.NotNil(t, config)
		assert.Equal(t, 75, config.LimitPerFilter)

		row, err := rig.store.GetRelay("my-relay")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", row.Name)
	})

	t.Run("deactivate stops the relay", func(t *testing.T) {
		resp := rig.do(t, "PUT", "/api/v1/relays/my-relay", token, fiber.Map{"name": "Renamed", "active": false})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Nil(t, rig.manager.Config("my-relay"))

		resp = rig.do(t, "PUT", "/api/v1/relays/my-relay", token, fiber.Map{"name": "Renamed", "active": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotNil(t, rig.manager.Config("my-relay"))
	})

	t.Run("delete purges events and row", func(t *testing.T) {
		sk := nostr.GeneratePrivateKey()
		pk, err := nostr.GetPublicKey(sk)
		require.NoError(t, err)

		event := &nostr.Event{PubKey: pk, CreatedAt: nostr.Now(), Kind: 1, Content: "hello"}
		require.NoError(t, event.Sign(sk))
		inserted, err := rig.store.InsertEvent("my-relay", event, pk)
		require.NoError(t, err)
		require.True(t, inserted)

		resp := rig.do(t, "DELETE", "/api/v1/relays/my-relay", token, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		row, err := rig.store.GetRelay("my-relay")
		require.NoError(t, err)
		assert.Nil(t, row)

		events, err := rig.store.QueryEvents("my-relay", &relay.Filter{}, false)
		require.NoError(t, err)
		assert.Empty(t, events)

		assert.Nil(t, rig.manager.Config("my-relay"))
	})
}

func TestAccountAdmin(t *testing.T) {
	rig := newAPIRig(t)
	token := rig.signUpAndLogin(t)

	resp := rig.do(t, "POST", "/api/v1/relays", token, fiber.Map{"id": "managed", "name": "Managed"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	pubkey := newPubkey(t)

	t.Run("upsert blocks a pubkey", func(t *testing.T) {
		resp := rig.do(t, "PUT", "/api/v1/relays/managed/accounts/"+pubkey, token, fiber.Map{"blocked": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var account types.Account
		decodeBody(t, resp, &account)
		assert.Equal(t, pubkey, account.Pubkey)
		assert.True(t, account.Blocked)
	})

	t.Run("npub is normalized to hex", func(t *testing.T) {
		hexKey := newPubkey(t)
		npub, err := nip19.EncodePublicKey(hexKey)
		require.NoError(t, err)

		resp := rig.do(t, "PUT", "/api/v1/relays/managed/accounts/"+npub, token, fiber.Map{"allowed": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var account types.Account
		decodeBody(t, resp, &account)
		assert.Equal(t, hexKey, account.Pubkey)
		assert.True(t, account.Allowed)
	})

	t.Run("partial update keeps other fields", func(t *testing.T) {
		resp := rig.do(t, "PUT", "/api/v1/relays/managed/accounts/"+pubkey, token, fiber.Map{"storage": 5000})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = rig.do(t, "PUT", "/api/v1/relays/managed/accounts/"+pubkey, token, fiber.Map{"blocked": false})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var account types.Account
		decodeBody(t, resp, &account)
		assert.False(t, account.Blocked)
		assert.Equal(t, uint64(5000), account.Storage)
	})

	t.Run("invalid pubkey is rejected", func(t *testing.T) {
		resp := rig.do(t, "PUT", "/api/v1/relays/managed/accounts/zz-not-a-key", token, fiber.Map{"blocked": true})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("list shows the accounts", func(t *testing.T) {
		resp := rig.do(t, "GET", "/api/v1/relays/managed/accounts", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var accounts []types.Account
		decodeBody(t, resp, &accounts)
		assert.Len(t, accounts, 2)
	})

	t.Run("foreign relay is absent", func(t *testing.T) {
		other := rig.signUpAndLogin(t)
		resp := rig.do(t, "GET", "/api/v1/relays/managed/accounts", other, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestInvoiceEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	spec := types.DefaultRelaySpec()
	spec.IsPaidRelay = true
	spec.CostToJoin = 21
	spec.StorageCostValue = 5
	spec.StorageCostUnit = "MB"
	spec.Wallet = "wallet-1"
	require.NoError(t, rig.store.CreateRelay(&types.NostrRelay{ID: "paid", Name: "Paid", Active: true, Meta: spec}))

	freeSpec := types.DefaultRelaySpec()
	require.NoError(t, rig.store.CreateRelay(&types.NostrRelay{ID: "free", Name: "Free", Active: true, Meta: freeSpec}))

	pubkey := newPubkey(t)

	t.Run("join invoice", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "join", Pubkey: pubkey})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var invoice payments.Invoice
		decodeBody(t, resp, &invoice)
		assert.Equal(t, int64(21), invoice.AmountSats)
		assert.NotEmpty(t, invoice.PaymentHash)
		assert.NotEmpty(t, invoice.PaymentRequest)
		assert.Equal(t, types.InvoiceTag, invoice.Extra.Tag)
		assert.Equal(t, "paid", invoice.Extra.RelayID)
		assert.Equal(t, pubkey, invoice.Extra.Pubkey)
		assert.Empty(t, invoice.Wallet)
	})

	t.Run("storage invoice multiplies units", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "storage", Pubkey: pubkey, UnitsToBuy: 3})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var invoice payments.Invoice
		decodeBody(t, resp, &invoice)
		assert.Equal(t, int64(15), invoice.AmountSats)
		assert.Equal(t, int64(3), invoice.Extra.UnitsToBuy)
	})

	t.Run("storage needs positive units", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "storage", Pubkey: pubkey})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("join twice is rejected", func(t *testing.T) {
		member := newPubkey(t)
		require.NoError(t, rig.store.UpsertAccount(&types.Account{RelayID: "paid", Pubkey: member, PaidToJoin: true}))

		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "join", Pubkey: member})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("blocked pubkey is rejected", func(t *testing.T) {
		banned := newPubkey(t)
		require.NoError(t, rig.store.UpsertAccount(&types.Account{RelayID: "paid", Pubkey: banned, Blocked: true}))

		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "join", Pubkey: banned})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("free relay sells nothing", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/free/invoice", "", types.BuyOrder{Action: "join", Pubkey: pubkey})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown relay", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/nope/invoice", "", types.BuyOrder{Action: "join", Pubkey: pubkey})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := rig.do(t, "POST", "/api/v1/relays/paid/invoice", "", types.BuyOrder{Action: "donate", Pubkey: pubkey})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPaymentsWebhook(t *testing.T) {
	rig := newAPIRig(t)

	spec := types.DefaultRelaySpec()
	spec.IsPaidRelay = true
	spec.CostToJoin = 21
	require.NoError(t, rig.store.CreateRelay(&types.NostrRelay{ID: "paid", Name: "Paid", Active: true, Meta: spec}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.listener.Run(ctx)

	pubkey := newPubkey(t)
	invoice := payments.Invoice{
		PaymentHash: "hash-1",
		AmountSats:  21,
		Extra: payments.InvoiceExtra{
			Tag:      types.InvoiceTag,
			BuyOrder: types.BuyOrder{Action: "join", RelayID: "paid", Pubkey: pubkey},
		},
	}

	webhook := func(key string) *http.Response {
		payload, err := json.Marshal(invoice)
		require.NoError(t, err)

		req := httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}

		resp, err := rig.app.Test(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("missing key", func(t *testing.T) {
		resp := webhook("")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key", func(t *testing.T) {
		resp := webhook("wrong")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("no key configured closes the endpoint", func(t *testing.T) {
		viper.Set("web.api_key", "")
		defer viper.Set("web.api_key", "test-api-key")

		resp := webhook("test-api-key")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("paid invoice credits the account", func(t *testing.T) {
		resp := webhook("test-api-key")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		require.Eventually(t, func() bool {
			account, err := rig.store.GetAccount("paid", pubkey)
			return err == nil && account != nil && account.PaidToJoin
		}, 2*time.Second, 10*time.Millisecond)

		account, err := rig.store.GetAccount("paid", pubkey)
		require.NoError(t, err)
		assert.Equal(t, int64(21), account.Sats)
	})
}

func TestNormalizePublicKey(t *testing.T) {
	hexKey := newPubkey(t)
	npub, err := nip19.EncodePublicKey(hexKey)
	require.NoError(t, err)

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "hex passes through", in: hexKey, want: hexKey},
		{name: "uppercase hex is lowered", in: strings.ToUpper(hexKey), want: hexKey},
		{name: "npub decodes", in: npub, want: hexKey},
		{name: "whitespace is trimmed", in: "  " + hexKey + " ", want: hexKey},
		{name: "short hex fails", in: hexKey[:20], wantErr: true},
		{name: "bad npub fails", in: "npub1qqqqqqqq", wantErr: true},
		{name: "not hex fails", in: string(bytes.Repeat([]byte("z"), 64)), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizePublicKey(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

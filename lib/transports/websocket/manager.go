package websocket

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/stores"
)

// Manager tracks which relays are live and which connections belong to
// each. It lazily hydrates the active-relay set from the store the
// first time anything touches it, so admin mutations and client joins
// can arrive in any order after a restart.
type Manager struct {
	store stores.Store

	hydrateMu sync.Mutex
	hydrated  bool

	relays *xsync.MapOf[string, *relayState]
}

type relayState struct {
	mu     sync.RWMutex
	config *types.RelaySpec
	conns  []*Connection

	// closed marks a relay that was deactivated while connections were
	// joining; AddClient re-checks it under the state lock.
	closed bool
}

func NewManager(store stores.Store) *Manager {
	return &Manager{
		store:  store,
		relays: xsync.NewMapOf[string, *relayState](),
	}
}

func (m *Manager) hydrate() error {
	m.hydrateMu.Lock()
	defer m.hydrateMu.Unlock()

	if m.hydrated {
		return nil
	}

	relays, err := m.store.GetActiveRelays()
	if err != nil {
		return fmt.Errorf("failed to load active relays: %w", err)
	}

	for _, row := range relays {
		state := &relayState{config: row.Spec()}
		m.relays.Store(row.ID, state)
	}

	m.hydrated = true
	logging.Infof("Relay manager hydrated with %d active relays", len(relays))
	return nil
}

// AddClient admits a connection to its relay. Connections to unknown
// or deactivated relays are stopped with an explanatory notice.
func (m *Manager) AddClient(conn *Connection) bool {
	if err := m.hydrate(); err != nil {
		logging.Errorf("Refusing client on relay %s: %v", conn.RelayID, err)
		conn.Stop(fmt.Sprintf("Relay '%s' is not active", conn.RelayID))
		return false
	}

	state, ok := m.relays.Load(conn.RelayID)
	if !ok {
		conn.Stop(fmt.Sprintf("Relay '%s' is not active", conn.RelayID))
		return false
	}

	conn.attach(m)

	state.mu.Lock()
	if state.closed {
		state.mu.Unlock()
		conn.Stop(fmt.Sprintf("Relay '%s' has been deactivated.", conn.RelayID))
		return false
	}
	state.conns = append(state.conns, conn)
	state.mu.Unlock()

	return true
}

// RemoveClient unregisters a connection; safe to call whether or not
// AddClient admitted it.
func (m *Manager) RemoveClient(conn *Connection) {
	conn.Stop("")

	state, ok := m.relays.Load(conn.RelayID)
	if !ok {
		return
	}

	state.mu.Lock()
	conns := make([]*Connection, 0, len(state.conns))
	for _, c := range state.conns {
		if c != conn {
			conns = append(conns, c)
		}
	}
	state.conns = conns
	state.mu.Unlock()
}

// Config returns the live spec of a relay, or nil when the relay is
// not active. Connections call this on every frame so config changes
// apply without reconnecting.
func (m *Manager) Config(relayID string) *types.RelaySpec {
	state, ok := m.relays.Load(relayID)
	if !ok {
		return nil
	}

	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.config
}

// Broadcast offers the event to every connection of the source's
// relay, the source included; each connection's own filters decide
// delivery.
func (m *Manager) Broadcast(source *Connection, event *nostr.Event) {
	state, ok := m.relays.Load(source.RelayID)
	if !ok {
		return
	}

	state.mu.RLock()
	conns := make([]*Connection, len(state.conns))
	copy(conns, state.conns)
	state.mu.RUnlock()

	for _, conn := range conns {
		conn.notify(event)
	}
}

// EnableRelay registers a relay (or refreshes its config) so clients
// can join it.
func (m *Manager) EnableRelay(row *types.NostrRelay) error {
	if err := m.hydrate(); err != nil {
		return err
	}

	state, _ := m.relays.LoadOrCompute(row.ID, func() *relayState {
		return &relayState{}
	})

	state.mu.Lock()
	state.config = row.Spec()
	state.closed = false
	state.mu.Unlock()

	logging.Infof("Relay %s enabled", row.ID)
	return nil
}

// DisableRelay removes a relay from the live set and stops all of its
// connections.
func (m *Manager) DisableRelay(relayID string) {
	if err := m.hydrate(); err != nil {
		logging.Errorf("Disabling relay %s without hydrated state: %v", relayID, err)
	}

	state, ok := m.relays.LoadAndDelete(relayID)
	if !ok {
		return
	}

	state.mu.Lock()
	state.closed = true
	conns := state.conns
	state.conns = nil
	state.mu.Unlock()

	for _, conn := range conns {
		conn.Stop(fmt.Sprintf("Relay '%s' has been deactivated.", relayID))
	}

	logging.Infof("Relay %s disabled, stopped %d clients", relayID, len(conns))
}

// StopAll disables every live relay; used on shutdown.
func (m *Manager) StopAll() {
	var ids []string
	m.relays.Range(func(id string, _ *relayState) bool {
		ids = append(ids, id)
		return true
	})

	for _, id := range ids {
		m.DisableRelay(id)
	}
}

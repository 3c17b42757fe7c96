package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
	"github.com/lnbits/nostrrelay/lib/relay"
	"github.com/lnbits/nostrrelay/lib/stores"
)

const challengeMaxAge = 300 * time.Second

// WireConn is the slice of *websocket.Conn the connection drives.
// Tests substitute an in-memory pipe.
type WireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub is what a connection needs from whoever registered it: the live
// config of its relay and a way to fan events out to its peers.
type Hub interface {
	Config(relayID string) *types.RelaySpec
	Broadcast(source *Connection, event *nostr.Event)
}

// Connection serves one WebSocket client of one relay. The read loop
// owns all inbound handling; peers reach the connection only through
// notify, which goes through the bounded send queue.
type Connection struct {
	RelayID string

	ws    WireConn
	store stores.Store

	hub       Hub
	validator *relay.Validator

	send       chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	stopReason string

	mu              sync.RWMutex
	authenticated   bool
	pubkey          string
	filters         []*relay.Filter
	challenge       string
	challengeIssued time.Time
}

func NewConnection(relayID string, ws WireConn, store stores.Store, sendQueueSize int) *Connection {
	if sendQueueSize <= 0 {
		sendQueueSize = 128
	}

	return &Connection{
		RelayID: relayID,
		ws:      ws,
		store:   store,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// attach wires in the hub capabilities; called by the manager when the
// connection is admitted.
func (conn *Connection) attach(hub Hub) {
	conn.hub = hub
	conn.validator = relay.NewValidator(conn.RelayID, conn.store, func() *types.RelaySpec {
		return hub.Config(conn.RelayID)
	})
}

// Run pumps the connection until the socket dies or Stop is called.
// It blocks; the caller's goroutine becomes the read loop.
func (conn *Connection) Run() {
	go conn.writeLoop()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.Stop("")
			return
		}
		conn.handleFrame(data)
	}
}

// Stop shuts the connection down. A non-empty reason is sent as a
// best-effort NOTICE before the socket closes. Idempotent.
func (conn *Connection) Stop(reason string) {
	conn.stopOnce.Do(func() {
		conn.stopReason = reason
		close(conn.done)
	})
}

func (conn *Connection) writeLoop() {
	for {
		select {
		case frame := <-conn.send:
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Stop("")
				_ = conn.ws.Close()
				return
			}
		case <-conn.done:
			if conn.stopReason != "" {
				if frame, err := jsoniter.Marshal(nostr.NoticeEnvelope(conn.stopReason)); err == nil {
					_ = conn.ws.WriteMessage(websocket.TextMessage, frame)
				}
			}
			_ = conn.ws.Close()
			return
		}
	}
}

// queue blocks until the writer takes the frame; used from the read
// loop so replies keep their order and a full queue applies
// backpressure to the client that caused it.
func (conn *Connection) queue(frame []byte) {
	select {
	case conn.send <- frame:
	case <-conn.done:
	}
}

// queueAsync never blocks; used by peer broadcasts. A full queue means
// this client cannot keep up and it is stopped rather than stalling
// the rest of the relay.
func (conn *Connection) queueAsync(frame []byte) {
	select {
	case conn.send <- frame:
	case <-conn.done:
	default:
		conn.Stop("Connection too slow, closing.")
	}
}

func (conn *Connection) handleFrame(data []byte) {
	var frame []jsoniter.RawMessage
	if err := jsoniter.Unmarshal(data, &frame); err != nil {
		logging.Debugf("Dropping malformed frame on relay %s: %v", conn.RelayID, err)
		return
	}
	if len(frame) == 0 {
		return
	}

	var label string
	if err := jsoniter.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 2 {
			return
		}
		var event nostr.Event
		if err := jsoniter.Unmarshal(frame[1], &event); err != nil {
			logging.Debugf("Dropping unparseable event: %v", err)
			return
		}
		conn.handleEvent(&event)

	case "REQ":
		// A REQ carries exactly one filter.
		if len(frame) != 3 {
			return
		}
		var subscriptionID string
		if err := jsoniter.Unmarshal(frame[1], &subscriptionID); err != nil {
			return
		}
		var filter relay.Filter
		if err := jsoniter.Unmarshal(frame[2], &filter); err != nil {
			logging.Debugf("Dropping unparseable filter: %v", err)
			return
		}
		conn.handleReq(subscriptionID, &filter)

	case "CLOSE":
		if len(frame) < 2 {
			return
		}
		var subscriptionID string
		if err := jsoniter.Unmarshal(frame[1], &subscriptionID); err != nil {
			return
		}
		conn.removeFilter(subscriptionID)

	case "AUTH":
		if len(frame) >= 2 {
			var event nostr.Event
			if err := jsoniter.Unmarshal(frame[1], &event); err == nil && relay.IsAuthResponseEvent(&event) {
				conn.handleAuthEvent(&event)
				return
			}
		}
		// Bare ["AUTH"] and unrecognized shapes ask for a challenge.
		conn.sendAuthChallenge()
	}
}

func (conn *Connection) handleEvent(event *nostr.Event) {
	config := conn.config()
	if config == nil {
		return
	}

	if relay.IsAuthResponseEvent(event) {
		conn.handleAuthEvent(event)
		return
	}

	if !conn.isAuthenticated() && config.EventRequiresAuth(event.Kind) {
		conn.sendAuthChallenge()
		rejection := relay.Reject(relay.RejectRestricted, "Relay requires authentication for events of kind '%d'", event.Kind)
		conn.sendOK(event.ID, false, rejection.OKMessage())
		return
	}

	publisher := event.PubKey
	if pubkey := conn.authedPubkey(); pubkey != "" {
		publisher = pubkey
	}

	if rejection := conn.validator.ValidateWrite(event, publisher); rejection != nil {
		conn.sendOK(event.ID, false, rejection.OKMessage())
		return
	}

	if relay.IsReplaceableKind(event.Kind) {
		until := int64(event.CreatedAt)
		supersede := &relay.Filter{Kinds: []int{event.Kind}, Authors: []string{event.PubKey}, Until: &until}
		if err := conn.store.DeleteEvents(conn.RelayID, supersede); err != nil {
			logging.Errorf("Failed to supersede kind %d for %s: %v", event.Kind, event.PubKey, err)
			conn.sendOK(event.ID, false, conn.persistFailure(event.ID).OKMessage())
			return
		}
	}

	if !relay.IsEphemeralKind(event.Kind) {
		inserted, err := conn.store.InsertEvent(conn.RelayID, event, publisher)
		if err != nil {
			logging.Errorf("Failed to insert event %s: %v", event.ID, err)
			conn.sendOK(event.ID, false, conn.persistFailure(event.ID).OKMessage())
			return
		}
		if !inserted {
			conn.sendOK(event.ID, false, relay.Reject(relay.RejectInternal, "event already exists").OKMessage())
			return
		}
	}

	if conn.hub != nil {
		conn.hub.Broadcast(conn, event)
	}

	if relay.IsDeleteEvent(event) {
		conn.applyDeleteEvent(event)
	}

	conn.sendOK(event.ID, true, "")
}

// persistFailure decides the OK message for a failed write: the client
// is told the event exists when a row is already there.
func (conn *Connection) persistFailure(eventID string) *relay.Rejection {
	existing, err := conn.store.GetEvent(conn.RelayID, eventID)
	if err == nil && existing != nil {
		return relay.Reject(relay.RejectInternal, "event already exists")
	}
	return relay.Reject(relay.RejectInternal, "failed to create event")
}

// applyDeleteEvent marks the events referenced by the delete event's
// `e` tags, but only those the deleter authored and that are not
// delete events themselves. Failures are logged; the delete event
// itself was already stored and broadcast.
func (conn *Connection) applyDeleteEvent(event *nostr.Event) {
	ids := relay.TagValues(event, "e")
	if len(ids) == 0 {
		return
	}

	referenced, err := conn.store.QueryEvents(conn.RelayID, &relay.Filter{IDs: ids, Authors: []string{event.PubKey}}, false)
	if err != nil {
		logging.Errorf("Failed to resolve delete targets for %s: %v", event.ID, err)
		return
	}

	targets := make([]string, 0, len(referenced))
	for _, ref := range referenced {
		if !relay.IsDeleteEvent(ref) {
			targets = append(targets, ref.ID)
		}
	}
	if len(targets) == 0 {
		return
	}

	if err := conn.store.MarkEventsDeleted(conn.RelayID, &relay.Filter{IDs: targets}); err != nil {
		logging.Errorf("Failed to mark events deleted for %s: %v", event.ID, err)
	}
}

func (conn *Connection) handleAuthEvent(event *nostr.Event) {
	conn.mu.RLock()
	challenge := conn.challenge
	conn.mu.RUnlock()

	if rejection := conn.validator.ValidateAuth(event, challenge); rejection != nil {
		conn.sendOK(event.ID, false, rejection.OKMessage())
		return
	}

	conn.mu.Lock()
	conn.authenticated = true
	conn.pubkey = event.PubKey
	conn.mu.Unlock()
}

func (conn *Connection) handleReq(subscriptionID string, filter *relay.Filter) {
	config := conn.config()
	if config == nil {
		return
	}

	if !conn.isAuthenticated() && config.RequireAuthFilter {
		conn.sendAuthChallenge()
		return
	}

	filter.SubscriptionID = subscriptionID
	filter.EnforceLimit(config.LimitPerFilter)

	conn.mu.Lock()
	conn.dropFilterLocked(subscriptionID)
	if max := config.MaxClientFilters; max > 0 && len(conn.filters) >= max {
		conn.mu.Unlock()
		conn.sendNotice(fmt.Sprintf("Maximum number of filters (%d) exceeded.", max))
		return
	}
	conn.filters = append(conn.filters, filter)
	conn.mu.Unlock()

	events, err := conn.store.QueryEvents(conn.RelayID, filter, true)
	if err != nil {
		logging.Errorf("Failed to query events for subscription %s: %v", subscriptionID, err)
		events = nil
	}

	for _, event := range events {
		if !conn.canReceive(event, config) {
			continue
		}
		conn.sendEvent(subscriptionID, event)
	}
	conn.sendEOSE(subscriptionID)
}

// notify delivers a live event to this connection if one of its
// filters matches. First match wins, so a peer sees an event at most
// once. Called from other connections' read loops.
func (conn *Connection) notify(event *nostr.Event) {
	config := conn.config()
	if config == nil || !conn.canReceive(event, config) {
		return
	}

	conn.mu.RLock()
	var matched *relay.Filter
	for _, filter := range conn.filters {
		if filter.Matches(event) {
			matched = filter
			break
		}
	}
	conn.mu.RUnlock()

	if matched == nil {
		return
	}

	frame, err := jsoniter.Marshal(nostr.EventEnvelope{SubscriptionID: &matched.SubscriptionID, Event: *event})
	if err != nil {
		logging.Errorf("Failed to marshal event %s: %v", event.ID, err)
		return
	}
	conn.queueAsync(frame)
}

// canReceive applies the direct-message rule: when the relay gates
// kind-4 events behind auth, a peer sees one only as its authenticated
// recipient or author.
func (conn *Connection) canReceive(event *nostr.Event, config *types.RelaySpec) bool {
	if !relay.IsDirectMessage(event) {
		return true
	}
	if !config.EventRequiresAuth(relay.KindDirectMessage) {
		return true
	}

	conn.mu.RLock()
	authenticated, pubkey := conn.authenticated, conn.pubkey
	conn.mu.RUnlock()

	if !authenticated {
		return false
	}
	if event.PubKey == pubkey {
		return true
	}
	return relay.HasTagValue(event, "p", pubkey)
}

func (conn *Connection) removeFilter(subscriptionID string) {
	conn.mu.Lock()
	conn.dropFilterLocked(subscriptionID)
	conn.mu.Unlock()
}

func (conn *Connection) dropFilterLocked(subscriptionID string) {
	filters := make([]*relay.Filter, 0, len(conn.filters))
	for _, filter := range conn.filters {
		if filter.SubscriptionID != subscriptionID {
			filters = append(filters, filter)
		}
	}
	conn.filters = filters
}

func (conn *Connection) config() *types.RelaySpec {
	if conn.hub == nil {
		return nil
	}
	return conn.hub.Config(conn.RelayID)
}

func (conn *Connection) isAuthenticated() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.authenticated
}

func (conn *Connection) authedPubkey() string {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	if !conn.authenticated {
		return ""
	}
	return conn.pubkey
}

// currentChallenge returns the outstanding challenge, minting a new
// one when none exists or the old one aged out.
func (conn *Connection) currentChallenge() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.challenge == "" || time.Since(conn.challengeIssued) >= challengeMaxAge {
		conn.challenge = conn.RelayID + ":" + uuid.NewString()
		conn.challengeIssued = time.Now()
	}
	return conn.challenge
}

func (conn *Connection) sendAuthChallenge() {
	challenge := conn.currentChallenge()
	conn.sendJSON(nostr.AuthEnvelope{Challenge: &challenge})
}

func (conn *Connection) sendOK(eventID string, ok bool, reason string) {
	conn.sendJSON(nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: reason})
}

func (conn *Connection) sendEvent(subscriptionID string, event *nostr.Event) {
	conn.sendJSON(nostr.EventEnvelope{SubscriptionID: &subscriptionID, Event: *event})
}

func (conn *Connection) sendEOSE(subscriptionID string) {
	conn.sendJSON(nostr.EOSEEnvelope(subscriptionID))
}

func (conn *Connection) sendNotice(text string) {
	conn.sendJSON(nostr.NoticeEnvelope(text))
}

func (conn *Connection) sendJSON(message interface{}) {
	frame, err := jsoniter.Marshal(message)
	if err != nil {
		logging.Errorf("Failed to marshal websocket message: %v", err)
		return
	}
	conn.queue(frame)
}

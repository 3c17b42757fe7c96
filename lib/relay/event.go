package relay

import (
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lnbits/nostrrelay/lib/signing"
)

const (
	KindMetadata      = 0
	KindContacts      = 3
	KindDirectMessage = 4
	KindDelete        = 5
	KindChannelMeta   = 41
	KindAuth          = 22242
)

// IsReplaceableKind reports whether writing an event of this kind
// supersedes older events with the same (pubkey, kind)
func IsReplaceableKind(kind int) bool {
	return kind == KindMetadata || kind == KindContacts || kind == KindChannelMeta ||
		(kind >= 10000 && kind < 20000)
}

// IsEphemeralKind reports whether events of this kind are broadcast but
// never persisted
func IsEphemeralKind(kind int) bool {
	return kind >= 20000 && kind < 30000
}

func IsRegularKind(kind int) bool {
	return kind >= 1000 && kind < 10000
}

func IsDeleteEvent(ev *nostr.Event) bool {
	return ev.Kind == KindDelete
}

func IsDirectMessage(ev *nostr.Event) bool {
	return ev.Kind == KindDirectMessage
}

func IsAuthResponseEvent(ev *nostr.Event) bool {
	return ev.Kind == KindAuth
}

// CheckSignature recomputes the event id over the canonical
// [0,pubkey,created_at,kind,tags,content] serialization and verifies the
// schnorr signature over it. The three failure modes surface separately.
func CheckSignature(ev *nostr.Event) *Rejection {
	if ev.GetID() != ev.ID {
		return Reject(RejectInvalidID, "event id does not match")
	}

	publicKey, err := signing.ParseEventPublicKey(ev.PubKey)
	if err != nil {
		return Reject(RejectInvalidPubkey, "%v", err)
	}

	signature, err := signing.ParseEventSignature(ev.Sig)
	if err != nil {
		return Reject(RejectInvalidSig, "%v", err)
	}

	id, err := hex.DecodeString(ev.ID)
	if err != nil {
		return Reject(RejectInvalidID, "event id is not valid hex")
	}

	if err := signing.VerifySignature(signature, id, publicKey); err != nil {
		return Reject(RejectInvalidSig, "signature does not verify")
	}

	return nil
}

// EventSize is the byte length of the event's compact JSON object. It is
// what storage accounting charges for.
func EventSize(ev *nostr.Event) uint64 {
	data, err := ev.MarshalJSON()
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

// TagValues collects the first value of every tag named name
func TagValues(ev *nostr.Event, name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// HasTagValue reports whether the event carries a tag named name whose
// value equals value
func HasTagValue(ev *nostr.Event, name, value string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

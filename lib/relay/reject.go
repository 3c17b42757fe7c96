package relay

import "fmt"

// RejectReason classifies why an event or auth attempt was refused.
// The wire string clients see is derived from it, never built ad hoc.
type RejectReason int

const (
	RejectInvalidID RejectReason = iota
	RejectInvalidPubkey
	RejectInvalidSig
	RejectInvalidAuth
	RejectRestricted
	RejectBlocked
	RejectPaidRelay
	RejectRateLimit
	RejectTooOld
	RejectTooFarFuture
	RejectNoStorage
	RejectTooLarge
	RejectReadOnly
	RejectInternal
)

// Prefix returns the machine-readable prefix of the OK message
func (r RejectReason) Prefix() string {
	switch r {
	case RejectInvalidID, RejectInvalidPubkey, RejectInvalidSig, RejectInvalidAuth:
		return "invalid"
	case RejectRestricted:
		return "restricted"
	case RejectBlocked:
		return "blocked"
	case RejectPaidRelay:
		return "paid-relay-no-access"
	case RejectRateLimit:
		return "rate-limit-exceeded"
	case RejectTooOld:
		return "too-old"
	case RejectTooFarFuture:
		return "too-far-future"
	case RejectNoStorage:
		return "no-storage"
	case RejectTooLarge:
		return "too-large"
	case RejectReadOnly:
		return "read-only"
	default:
		return "error"
	}
}

// Rejection is a refused protocol operation. A nil *Rejection means
// accepted.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return r.OKMessage()
}

// OKMessage formats the rejection as the message field of a
// ["OK", id, false, message] frame: "<prefix>: <detail>"
func (r *Rejection) OKMessage() string {
	if r.Detail == "" {
		return r.Reason.Prefix()
	}
	return r.Reason.Prefix() + ": " + r.Detail
}

// Reject builds a Rejection with a formatted detail
func Reject(reason RejectReason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

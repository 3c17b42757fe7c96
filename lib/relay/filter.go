package relay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Filter is a subscription predicate. Fields AND together; values within
// a list OR. since is inclusive, until exclusive.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	DTags   []string `json:"#d,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`

	// SubscriptionID is assigned by the connection, never decoded from
	// the wire filter object.
	SubscriptionID string `json:"-"`
}

// Matches reports whether the event satisfies every specified condition
func (f *Filter) Matches(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.ETags) > 0 && !hasAnyTagValue(ev, "e", f.ETags) {
		return false
	}
	if len(f.PTags) > 0 && !hasAnyTagValue(ev, "p", f.PTags) {
		return false
	}
	if len(f.DTags) > 0 && !hasAnyTagValue(ev, "d", f.DTags) {
		return false
	}
	if f.Since != nil && int64(ev.CreatedAt) < *f.Since {
		return false
	}
	if f.Until != nil && int64(ev.CreatedAt) >= *f.Until {
		return false
	}
	return true
}

// IsEmpty reports whether no condition is specified. Limit does not
// count: an empty filter with a limit is still empty, and must be
// refused as a delete/update scope.
func (f *Filter) IsEmpty() bool {
	return len(f.IDs) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.ETags) == 0 &&
		len(f.PTags) == 0 &&
		len(f.DTags) == 0 &&
		f.Since == nil &&
		f.Until == nil
}

// EnforceLimit caps the filter's limit at serverLimit. An unset limit
// becomes the cap.
func (f *Filter) EnforceLimit(serverLimit int) {
	if serverLimit <= 0 {
		return
	}
	if f.Limit <= 0 || f.Limit > serverLimit {
		f.Limit = serverLimit
	}
}

// QueryParts is the SQL translation of a filter: tag conditions become
// INNER JOINs onto event_tags, everything else WHERE predicates.
type QueryParts struct {
	Joins  []string
	Where  []string
	Values []interface{}
}

// QueryComponents translates the filter for the given relay. The base
// predicates deleted = false and relay_id = ? are always included.
func (f *Filter) QueryComponents(relayID string) *QueryParts {
	parts := &QueryParts{
		Where:  []string{"events.deleted = ?", "events.relay_id = ?"},
		Values: []interface{}{false, relayID},
	}

	if len(f.IDs) > 0 {
		parts.Where = append(parts.Where, "events.id IN ?")
		parts.Values = append(parts.Values, f.IDs)
	}
	if len(f.Authors) > 0 {
		parts.Where = append(parts.Where, "events.pubkey IN ?")
		parts.Values = append(parts.Values, f.Authors)
	}
	if len(f.Kinds) > 0 {
		parts.Where = append(parts.Where, "events.kind IN ?")
		parts.Values = append(parts.Values, f.Kinds)
	}

	tagConditions := []struct {
		name   string
		values []string
	}{
		{"e", f.ETags},
		{"p", f.PTags},
		{"d", f.DTags},
	}
	joined := 0
	for _, tc := range tagConditions {
		if len(tc.values) == 0 {
			continue
		}
		alias := fmt.Sprintf("tag%d", joined)
		joined++
		parts.Joins = append(parts.Joins, fmt.Sprintf(
			"INNER JOIN event_tags AS %s ON %s.relay_id = events.relay_id AND %s.event_id = events.id",
			alias, alias, alias,
		))
		parts.Where = append(parts.Where, fmt.Sprintf("%s.name = ? AND %s.value IN ?", alias, alias))
		parts.Values = append(parts.Values, tc.name, tc.values)
	}

	if f.Since != nil {
		parts.Where = append(parts.Where, "events.created_at >= ?")
		parts.Values = append(parts.Values, *f.Since)
	}
	if f.Until != nil {
		parts.Where = append(parts.Where, "events.created_at < ?")
		parts.Values = append(parts.Values, *f.Until)
	}

	return parts
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func hasAnyTagValue(ev *nostr.Event, name string, values []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestFilterMatches(t *testing.T) {
	event := &nostr.Event{
		ID:        "event-1",
		PubKey:    "alice",
		Kind:      1,
		CreatedAt: nostr.Timestamp(1000),
		Tags: nostr.Tags{
			{"e", "parent-1"},
			{"p", "bob"},
		},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter matches everything", filter: Filter{}, want: true},
		{name: "id match", filter: Filter{IDs: []string{"event-1"}}, want: true},
		{name: "id mismatch", filter: Filter{IDs: []string{"other"}}, want: false},
		{name: "author match", filter: Filter{Authors: []string{"carol", "alice"}}, want: true},
		{name: "author mismatch", filter: Filter{Authors: []string{"carol"}}, want: false},
		{name: "kind match", filter: Filter{Kinds: []int{0, 1}}, want: true},
		{name: "kind mismatch", filter: Filter{Kinds: []int{5}}, want: false},
		{name: "e tag match", filter: Filter{ETags: []string{"parent-1"}}, want: true},
		{name: "e tag mismatch", filter: Filter{ETags: []string{"parent-2"}}, want: false},
		{name: "p tag match", filter: Filter{PTags: []string{"bob"}}, want: true},
		{name: "d tag absent", filter: Filter{DTags: []string{"handle"}}, want: false},
		{name: "since is inclusive", filter: Filter{Since: int64Ptr(1000)}, want: true},
		{name: "since excludes older", filter: Filter{Since: int64Ptr(1001)}, want: false},
		{name: "until is exclusive", filter: Filter{Until: int64Ptr(1000)}, want: false},
		{name: "until keeps older", filter: Filter{Until: int64Ptr(1001)}, want: true},
		{name: "all conditions must hold", filter: Filter{Authors: []string{"alice"}, Kinds: []int{5}}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(event))
		})
	}

	t.Run("nil event never matches", func(t *testing.T) {
		f := Filter{}
		assert.False(t, f.Matches(nil))
	})
}

func TestFilterIsEmpty(t *testing.T) {
	assert.True(t, (&Filter{}).IsEmpty())
	assert.True(t, (&Filter{Limit: 10}).IsEmpty(), "a limit alone is not a condition")

	assert.False(t, (&Filter{IDs: []string{"x"}}).IsEmpty())
	assert.False(t, (&Filter{Authors: []string{"x"}}).IsEmpty())
	assert.False(t, (&Filter{Kinds: []int{1}}).IsEmpty())
	assert.False(t, (&Filter{ETags: []string{"x"}}).IsEmpty())
	assert.False(t, (&Filter{PTags: []string{"x"}}).IsEmpty())
	assert.False(t, (&Filter{DTags: []string{"x"}}).IsEmpty())
	assert.False(t, (&Filter{Since: int64Ptr(0)}).IsEmpty())
	assert.False(t, (&Filter{Until: int64Ptr(0)}).IsEmpty())
}

func TestEnforceLimit(t *testing.T) {
	cases := []struct {
		name        string
		limit       int
		serverLimit int
		want        int
	}{
		{name: "unset limit becomes the cap", limit: 0, serverLimit: 100, want: 100},
		{name: "limit above the cap is clamped", limit: 500, serverLimit: 100, want: 100},
		{name: "limit below the cap is kept", limit: 7, serverLimit: 100, want: 7},
		{name: "no server cap leaves the limit alone", limit: 500, serverLimit: 0, want: 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Filter{Limit: tc.limit}
			f.EnforceLimit(tc.serverLimit)
			assert.Equal(t, tc.want, f.Limit)
		})
	}
}

func TestQueryComponents(t *testing.T) {
	t.Run("base predicates are always present", func(t *testing.T) {
		parts := (&Filter{}).QueryComponents("r1")
		require.Equal(t, []string{"events.deleted = ?", "events.relay_id = ?"}, parts.Where)
		require.Equal(t, []interface{}{false, "r1"}, parts.Values)
		assert.Empty(t, parts.Joins)
	})

	t.Run("plain conditions become where clauses", func(t *testing.T) {
		f := Filter{
			IDs:     []string{"a"},
			Authors: []string{"alice"},
			Kinds:   []int{1, 5},
			Since:   int64Ptr(10),
			Until:   int64Ptr(20),
		}
		parts := f.QueryComponents("r1")

		assert.Contains(t, parts.Where, "events.id IN ?")
		assert.Contains(t, parts.Where, "events.pubkey IN ?")
		assert.Contains(t, parts.Where, "events.kind IN ?")
		assert.Contains(t, parts.Where, "events.created_at >= ?")
		assert.Contains(t, parts.Where, "events.created_at < ?")
		assert.Empty(t, parts.Joins)
		assert.Contains(t, parts.Values, int64(10))
		assert.Contains(t, parts.Values, int64(20))
	})

	t.Run("each tag condition joins once", func(t *testing.T) {
		f := Filter{
			ETags: []string{"e1"},
			PTags: []string{"p1", "p2"},
		}
		parts := f.QueryComponents("r1")

		require.Len(t, parts.Joins, 2)
		assert.Contains(t, parts.Joins[0], "event_tags AS tag0")
		assert.Contains(t, parts.Joins[1], "event_tags AS tag1")
		assert.Contains(t, parts.Where, "tag0.name = ? AND tag0.value IN ?")
		assert.Contains(t, parts.Where, "tag1.name = ? AND tag1.value IN ?")
		assert.Contains(t, parts.Values, "e")
		assert.Contains(t, parts.Values, "p")
	})
}

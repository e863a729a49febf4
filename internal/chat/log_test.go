package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func msg(id string, ts int64) domain.Message {
	return domain.Message{ID: id, Content: "c-" + id, Sender: "alice", Timestamp: ts}
}

func ids(list []domain.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestLog_AppendDedupesByID(t *testing.T) {
	l := NewLog(0)
	require.True(t, l.Append(msg("m1", 10)))
	assert.False(t, l.Append(msg("m1", 10)), "replayed id is dropped")
	assert.False(t, l.Append(domain.Message{ID: "m1", Content: "edited", Timestamp: 99}))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Has("m1"))
}

func TestLog_OrderByTimestampTiesByArrival(t *testing.T) {
	l := NewLog(0)
	l.Append(msg("late", 30))
	l.Append(msg("early", 10))
	l.Append(msg("tie-a", 20))
	l.Append(msg("tie-b", 20))

	assert.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, ids(l.Messages()))
}

func TestLog_TrimsOldest(t *testing.T) {
	l := NewLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(msg(fmt.Sprintf("m%d", i), int64(i)))
	}
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(l.Messages()))
	assert.False(t, l.Has("m1"))

	assert.False(t, l.Append(msg("ancient", 0)), "a message older than the retained window is not kept")
	assert.Equal(t, 3, l.Len())
}

func TestLog_TrimmedIDIsNotAcceptedAgain(t *testing.T) {
	l := NewLog(2)
	require.True(t, l.Append(msg("a", 1)))
	require.True(t, l.Append(msg("b", 1)))
	require.True(t, l.Append(msg("c", 1)))
	require.Equal(t, []string{"b", "c"}, ids(l.Messages()))

	assert.False(t, l.Append(msg("a", 1)), "replay of a trimmed message")
	assert.Equal(t, []string{"b", "c"}, ids(l.Messages()))
}

func TestLog_TrimmedSetIsBounded(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 100; i++ {
		l.Append(msg(fmt.Sprintf("m%d", i), int64(i)))
	}
	assert.Len(t, l.trimmed, 3)
	assert.Len(t, l.trimOrder, 3)
	assert.Equal(t, []string{"m97", "m98", "m99"}, ids(l.Messages()))
}

// A bounded log fed a stream with replays holds the newest entries of what
// an unbounded log holds, so every joiner sees a suffix of the same history.
func TestLog_BoundedIsSuffixOfUnbounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 5).Draw(t, "max")
		n := rapid.IntRange(0, 40).Draw(t, "n")
		bounded, full := NewLog(max), NewLog(1000)
		var sent []domain.Message
		for i := 0; i < n; i++ {
			var m domain.Message
			if len(sent) > 0 && rapid.Bool().Draw(t, "replay") {
				m = sent[rapid.IntRange(0, len(sent)-1).Draw(t, "which")]
			} else {
				m = msg(fmt.Sprintf("m%d", i), int64(i))
				sent = append(sent, m)
			}
			bounded.Append(m)
			full.Append(m)
		}
		all := ids(full.Messages())
		if len(all) > max {
			all = all[len(all)-max:]
		}
		if strings.Join(all, ",") != strings.Join(ids(bounded.Messages()), ",") {
			t.Fatalf("bounded %v is not the tail of %v", ids(bounded.Messages()), ids(full.Messages()))
		}
	})
}

func TestLog_MessagesReturnsCopy(t *testing.T) {
	l := NewLog(0)
	l.Append(msg("m1", 1))
	got := l.Messages()
	got[0].Content = "mutated"
	assert.Equal(t, "c-m1", l.Messages()[0].Content)
}

func TestMerge_ReplayDoesNotChangeView(t *testing.T) {
	view := Merge(nil, msg("m1", 1), msg("m2", 2))
	again := Merge(view, msg("m1", 1))
	assert.Equal(t, view, again)
	assert.Len(t, again, 2)
}

func TestMerge_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		var stream []domain.Message
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("m%d", rapid.IntRange(0, 15).Draw(t, "id"))
			ts := rapid.Int64Range(0, 10).Draw(t, "ts")
			stream = append(stream, domain.Message{ID: id, Timestamp: ts})
		}

		var view []domain.Message
		for _, m := range stream {
			view = Merge(view, m)
		}

		seen := map[string]bool{}
		for _, m := range view {
			if seen[m.ID] {
				t.Fatalf("duplicate id %s in merged view", m.ID)
			}
			seen[m.ID] = true
		}
		if !sort.SliceIsSorted(view, func(i, j int) bool { return view[i].Timestamp < view[j].Timestamp }) {
			t.Fatalf("view not sorted by timestamp: %v", view)
		}

		before := ids(view)
		for _, m := range stream {
			view = Merge(view, m)
		}
		if strings.Join(before, ",") != strings.Join(ids(view), ",") {
			t.Fatalf("replaying the stream changed the view: %v -> %v", before, ids(view))
		}
	})
}

func TestMerge_AgreesWithLog(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		l := NewLog(1000)
		var view []domain.Message
		for i := 0; i < n; i++ {
			m := domain.Message{
				ID:        fmt.Sprintf("m%d", rapid.IntRange(0, 20).Draw(t, "id")),
				Timestamp: rapid.Int64Range(0, 5).Draw(t, "ts"),
			}
			l.Append(m)
			view = Merge(view, m)
		}
		if strings.Join(ids(l.Messages()), ",") != strings.Join(ids(view), ",") {
			t.Fatalf("server log %v and client view %v diverged", ids(l.Messages()), ids(view))
		}
	})
}

func TestValidate(t *testing.T) {
	m, err := Validate(domain.Message{ID: " m1 ", Content: "  hi  "})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hi", m.Content)

	cases := []domain.Message{
		{Content: "hi"},
		{ID: "m1", Content: "   "},
		{ID: "m1", Content: strings.Repeat("x", MaxContentRunes+1)},
		{ID: "m1", Content: "hi", Timestamp: -1},
	}
	for _, c := range cases {
		_, err := Validate(c)
		assert.True(t, errors.Is(err, domain.ErrInvalidMessage), "%+v: %v", c, err)
	}
}

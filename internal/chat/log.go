// Package chat keeps a room's ordered, deduplicated message history and
// provides the merge function clients use for their local view.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cwrk-planet/coderoom/internal/domain"
)

const (
	DefaultMaxHistory = 500
	MaxContentRunes   = 4000
)

// Log is owned by a single room actor and is not safe for concurrent use.
type Log struct {
	messages []domain.Message
	ids      map[string]struct{}
	max      int

	// ids that fell off the front, oldest first, at most max of them
	trimmed   map[string]struct{}
	trimOrder []string
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &Log{
		ids:     make(map[string]struct{}),
		max:     max,
		trimmed: make(map[string]struct{}),
	}
}

// Append inserts m ordered by timestamp (ties keep arrival order). A message
// whose id is present, or was recently trimmed, is dropped and Append
// returns false.
func (l *Log) Append(m domain.Message) bool {
	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	if _, gone := l.trimmed[m.ID]; gone {
		return false
	}
	l.messages = insertSorted(l.messages, m)
	l.ids[m.ID] = struct{}{}

	for len(l.messages) > l.max {
		l.trim(l.messages[0].ID)
		l.messages = l.messages[1:]
	}
	_, kept := l.ids[m.ID]
	return kept
}

func (l *Log) trim(id string) {
	delete(l.ids, id)
	l.trimmed[id] = struct{}{}
	l.trimOrder = append(l.trimOrder, id)
	if len(l.trimOrder) > l.max {
		delete(l.trimmed, l.trimOrder[0])
		l.trimOrder = l.trimOrder[1:]
	}
}

func (l *Log) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Messages returns a copy of the history in order.
func (l *Log) Messages() []domain.Message {
	out := make([]domain.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int { return len(l.messages) }

// Merge folds incoming into view the way a client does: ids already present
// are dropped silently and the result stays sorted by timestamp, equal
// timestamps in arrival order. view is not modified.
func Merge(view []domain.Message, incoming ...domain.Message) []domain.Message {
	out := make([]domain.Message, len(view), len(view)+len(incoming))
	copy(out, view)

	seen := make(map[string]struct{}, len(out)+len(incoming))
	for _, m := range out {
		seen[m.ID] = struct{}{}
	}
	for _, m := range incoming {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = insertSorted(out, m)
	}
	return out
}

func insertSorted(list []domain.Message, m domain.Message) []domain.Message {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > m.Timestamp })
	list = append(list, domain.Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

// Validate checks a client-submitted message and returns it with trimmed
// content.
func Validate(m domain.Message) (domain.Message, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return m, fmt.Errorf("%w: id is required", domain.ErrInvalidMessage)
	}
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return m, fmt.Errorf("%w: empty content", domain.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(m.Content) > MaxContentRunes {
		return m, fmt.Errorf("%w: content longer than %d characters", domain.ErrInvalidMessage, MaxContentRunes)
	}
	if m.Timestamp < 0 {
		return m, fmt.Errorf("%w: negative timestamp", domain.ErrInvalidMessage)
	}
	return m, nil
}

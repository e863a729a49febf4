// Package presence keeps the member roster of a single room.
//
// A Store is owned by exactly one room actor and is not safe for concurrent use.
package presence

import (
	"sort"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
)

type Store struct {
	members map[string]*domain.Member // socketID -> member
}

func New() *Store {
	return &Store{members: make(map[string]*domain.Member)}
}

// Add inserts a member for socketID. If the socket is already present the
// existing record is returned with added=false.
func (s *Store) Add(socketID, username string, now time.Time) (m domain.Member, added bool) {
	if existing, ok := s.members[socketID]; ok {
		return *existing, false
	}
	nm := &domain.Member{
		SocketID:     socketID,
		Username:     username,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	s.members[socketID] = nm
	return *nm, true
}

// Remove deletes the member. Removing an absent socket is a no-op.
func (s *Store) Remove(socketID string) (domain.Member, bool) {
	m, ok := s.members[socketID]
	if !ok {
		return domain.Member{}, false
	}
	delete(s.members, socketID)
	return *m, true
}

func (s *Store) Get(socketID string) (domain.Member, bool) {
	m, ok := s.members[socketID]
	if !ok {
		return domain.Member{}, false
	}
	return *m, true
}

func (s *Store) Touch(socketID string, now time.Time) {
	if m, ok := s.members[socketID]; ok {
		m.LastActiveAt = now
	}
}

// SetTyping flags every connection of username.
func (s *Store) SetTyping(username string, typing bool) {
	for _, m := range s.members {
		if m.Username == username {
			m.Typing = typing
		}
	}
}

func (s *Store) HasUsername(username string) bool {
	for _, m := range s.members {
		if m.Username == username {
			return true
		}
	}
	return false
}

// Roster returns members ordered by join time, then socket id.
func (s *Store) Roster() []domain.Member {
	out := make([]domain.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SocketID < out[j].SocketID
	})
	return out
}

// SocketIDs lists member sockets in roster order.
func (s *Store) SocketIDs() []string {
	roster := s.Roster()
	ids := make([]string, len(roster))
	for i, m := range roster {
		ids[i] = m.SocketID
	}
	return ids
}

func (s *Store) Len() int { return len(s.members) }

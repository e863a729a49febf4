package domain

import "time"

// Member is one connection's presence inside a room. Two tabs with the same
// username are two members.
type Member struct {
	SocketID     string
	Username     string
	Typing       bool
	JoinedAt     time.Time
	LastActiveAt time.Time
}

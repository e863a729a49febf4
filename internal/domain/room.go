package domain

import "time"

// Snapshot is what a joining (or resyncing) socket receives.
type Snapshot struct {
	RoomID   string
	SocketID string
	Username string
	Members  []Member
	Code     string
	Messages []Message
}

// RoomInfo is a read-only view of a live room for admin surfaces.
type RoomInfo struct {
	ID           string
	Members      []Member
	CodeLength   int
	Revision     uint64
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type GatewayStats struct {
	Rooms   int
	Sockets int
}

package domain

// Message is a chat entry. ID is client generated and unique per room;
// Timestamp is unix milliseconds.
type Message struct {
	ID        string
	Content   string
	Sender    string
	Timestamp int64
}

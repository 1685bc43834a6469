package board

import "time"

// Message is a single post on a board. Messages are never mutated after
// they are appended.
type Message struct {
	ID        int
	Sender    string
	Timestamp time.Time
	Subject   string
	Body      string
	Board     string
}

// History is the append-only message sequence of one board. It is not safe
// for concurrent use; the owning Board serializes access.
type History struct {
	board    string
	messages []Message
}

// Append stores a new message with id len+1 and returns it. The timestamp is
// truncated to whole seconds.
func (h *History) Append(sender, subject, body string, now time.Time) Message {
	msg := Message{
		ID:        len(h.messages) + 1,
		Sender:    sender,
		Timestamp: now.Truncate(time.Second),
		Subject:   subject,
		Body:      body,
		Board:     h.board,
	}
	h.messages = append(h.messages, msg)
	return msg
}

// LastN returns a copy of the last n messages in posting order.
func (h *History) LastN(n int) []Message {
	if n <= 0 || len(h.messages) == 0 {
		return nil
	}
	start := len(h.messages) - n
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), h.messages[start:]...)
}

// Find looks a message up by id. Ids are contiguous from 1, so the indexed
// slot is checked first; a scan covers histories that were rebuilt with gaps.
func (h *History) Find(id int) (Message, bool) {
	if id < 1 {
		return Message{}, false
	}
	if id <= len(h.messages) && h.messages[id-1].ID == id {
		return h.messages[id-1], true
	}
	for _, msg := range h.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

// Len reports how many messages have been posted.
func (h *History) Len() int {
	return len(h.messages)
}

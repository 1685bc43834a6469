package board

import (
	"testing"
	"time"
)

func TestHistory_AppendAssignsSequentialIDs(t *testing.T) {
	h := History{board: PublicBoard}
	now := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)

	for want := 1; want <= 3; want++ {
		msg := h.Append("alice", "subject", "body", now)
		if msg.ID != want {
			t.Errorf("Append() id = %d, want %d", msg.ID, want)
		}
		if msg.Board != PublicBoard {
			t.Errorf("Append() board = %q, want %q", msg.Board, PublicBoard)
		}
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}
}

func TestHistory_AppendTruncatesToSeconds(t *testing.T) {
	h := History{}
	msg := h.Append("alice", "s", "b", time.Date(2024, 3, 1, 10, 0, 0, 999_999_999, time.UTC))

	if msg.Timestamp.Nanosecond() != 0 {
		t.Errorf("timestamp = %v, want whole seconds", msg.Timestamp)
	}
}

func TestHistory_LastN(t *testing.T) {
	tests := []struct {
		name    string
		posts   int
		n       int
		wantIDs []int
	}{
		{name: "empty history", posts: 0, n: 2, wantIDs: nil},
		{name: "shorter than n", posts: 1, n: 2, wantIDs: []int{1}},
		{name: "exactly n", posts: 2, n: 2, wantIDs: []int{1, 2}},
		{name: "longer than n", posts: 5, n: 2, wantIDs: []int{4, 5}},
		{name: "zero n", posts: 3, n: 0, wantIDs: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := History{}
			for i := 0; i < tt.posts; i++ {
				h.Append("alice", "s", "b", time.Now())
			}

			got := h.LastN(tt.n)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("LastN(%d) = %d messages, want %d", tt.n, len(got), len(tt.wantIDs))
			}
			for i, msg := range got {
				if msg.ID != tt.wantIDs[i] {
					t.Errorf("LastN(%d)[%d].ID = %d, want %d", tt.n, i, msg.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestHistory_LastNReturnsCopy(t *testing.T) {
	h := History{}
	h.Append("alice", "first", "b", time.Now())

	got := h.LastN(1)
	got[0].Subject = "changed"

	if msg, _ := h.Find(1); msg.Subject != "first" {
		t.Errorf("history mutated through LastN result: subject = %q", msg.Subject)
	}
}

func TestHistory_Find(t *testing.T) {
	h := History{}
	h.Append("alice", "one", "b", time.Now())
	h.Append("bob", "two", "b", time.Now())

	for _, id := range []int{-1, 0, 3, 100} {
		if _, ok := h.Find(id); ok {
			t.Errorf("Find(%d) found a message, want none", id)
		}
	}

	msg, ok := h.Find(2)
	if !ok {
		t.Fatal("Find(2) found nothing")
	}
	if msg.Subject != "two" || msg.Sender != "bob" {
		t.Errorf("Find(2) = %+v, want bob's message", msg)
	}
}

func TestHistory_FindToleratesGaps(t *testing.T) {
	h := History{messages: []Message{{ID: 2, Subject: "two"}, {ID: 5, Subject: "five"}}}

	msg, ok := h.Find(5)
	if !ok || msg.Subject != "five" {
		t.Errorf("Find(5) = %+v, %v; want message five", msg, ok)
	}
	if _, ok := h.Find(1); ok {
		t.Error("Find(1) found a message in a history without id 1")
	}
}

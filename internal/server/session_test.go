package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/bboard/internal/board"
	"github.com/Tyrowin/bboard/internal/protocol"
	"github.com/Tyrowin/bboard/internal/testutil"
)

var postedAt = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

// sessionEnv wires sessions to a real Hub whose clients have queues but no
// pumps, so tests can inspect every queued frame synchronously.
type sessionEnv struct {
	t        *testing.T
	hub      *Hub
	registry *board.Registry
	cfg      sessionConfig
}

type testConn struct {
	t       *testing.T
	client  *Client
	session *Session
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	hub := NewHub(logger)
	return &sessionEnv{
		t:   t,
		hub: hub,
		registry: board.NewRegistry(board.DefaultGroups, hub,
			board.WithClock(func() time.Time { return postedAt })),
		cfg: sessionConfig{maxNameLength: defaultMaxUsernameLength},
	}
}

func (e *sessionEnv) conn() *testConn {
	id := e.hub.nextID()
	logger := slog.New(slog.DiscardHandler)
	c := &Client{id: id, send: make(chan []byte, 64), hub: e.hub, logger: logger}
	c.session = newSession(id, e.hub, e.registry, e.cfg, logger)

	e.hub.mutex.Lock()
	e.hub.clients[id] = c
	e.hub.mutex.Unlock()
	return &testConn{t: e.t, client: c, session: c.session}
}

// connected returns a session that has completed connect, with its queue
// drained.
func (e *sessionEnv) connected(name string) *testConn {
	c := e.conn()
	c.expect(protocol.CmdConnect, name, "", nil, protocol.StatusOK)
	e.drainAll()
	return c
}

// onBoard returns a connected session that joined the public board.
func (e *sessionEnv) onBoard(name string) *testConn {
	c := e.connected(name)
	c.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK)
	e.drainAll()
	return c
}

func (e *sessionEnv) drainAll() {
	for _, id := range e.hub.connections() {
		e.hub.mutex.RLock()
		c := e.hub.clients[id]
		e.hub.mutex.RUnlock()
		for len(c.send) > 0 {
			<-c.send
		}
	}
}

func (c *testConn) do(command, username, group string, data any) bool {
	c.t.Helper()
	frame, err := protocol.NewRequest(command, username, group, data)
	if err != nil {
		c.t.Fatalf("NewRequest(%s) error = %v", command, err)
	}
	return c.session.Handle(frame)
}

func (c *testConn) next() testutil.Frame {
	c.t.Helper()
	select {
	case raw := <-c.client.send:
		var f testutil.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.t.Fatalf("decoding frame %q: %v", raw, err)
		}
		return f
	default:
		c.t.Fatal("expected a queued frame, queue is empty")
		return testutil.Frame{}
	}
}

func (c *testConn) expect(command, username, group string, data any, status protocol.Status) testutil.Frame {
	c.t.Helper()
	c.do(command, username, group, data)
	f := c.next()
	if f.IsNotification() || f.Header.Status != string(status) || f.Header.Command != command {
		c.t.Fatalf("%s: got %s %s %q, want %s %s", command, f.Header.Status, f.Header.Command, f.Text(), status, command)
	}
	return f
}

func (c *testConn) fail(command, group string, data any, reason string) {
	c.t.Helper()
	f := c.expect(command, "", group, data, protocol.StatusFail)
	if f.Text() != reason {
		c.t.Errorf("%s FAIL reason = %q, want %q", command, f.Text(), reason)
	}
}

func (c *testConn) notification() string {
	c.t.Helper()
	f := c.next()
	if !f.IsNotification() {
		c.t.Fatalf("expected notification, got %s %s %q", f.Header.Status, f.Header.Command, f.Text())
	}
	return f.Text()
}

func (c *testConn) silent() {
	c.t.Helper()
	if n := len(c.client.send); n != 0 {
		c.t.Fatalf("expected no queued frames, found %d", n)
	}
}

// TestSession_AliceAndBob walks two users through posting on the public
// board and checks history hand-off and broadcast exclusion.
func TestSession_AliceAndBob(t *testing.T) {
	env := newSessionEnv(t)

	alice := env.conn()
	f := alice.expect(protocol.CmdConnect, "alice", "", nil, protocol.StatusOK)
	if f.Text() != "Welcome, alice." {
		t.Errorf("connect data = %q", f.Text())
	}
	f = alice.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK)
	if f.Text() != "There are no messages on the board yet." {
		t.Errorf("join data = %q", f.Text())
	}
	f = alice.expect(protocol.CmdPost, "", "", "Hi\nHello all", protocol.StatusOK)
	if f.Text() != "1" {
		t.Errorf("post id = %s, want 1", f.Text())
	}
	alice.silent()

	bob := env.conn()
	bob.expect(protocol.CmdConnect, "bob", "", nil, protocol.StatusOK)
	if got := alice.notification(); got != "bob has joined the server" {
		t.Errorf("alice notice = %q", got)
	}

	f = bob.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK)
	history, err := f.Messages()
	if err != nil {
		t.Fatalf("join history: %v", err)
	}
	if len(history) != 1 || history[0].Sender != "alice" || history[0].Subject != "Hi" || history[0].Message != "Hello all" {
		t.Fatalf("bob history = %+v", history)
	}
	if history[0].Timestamp != "2024-03-01 12:30:45" {
		t.Errorf("timestamp = %q", history[0].Timestamp)
	}
	if got := alice.notification(); got != "bob has joined the message board." {
		t.Errorf("alice notice = %q", got)
	}

	bob.expect(protocol.CmdPost, "", "", "Re\nHi back", protocol.StatusOK)
	want := protocol.Escape("public board; Message ID: 2, Sender: bob, Time Posted: 2024-03-01 12:30:45, Subject: Re\n\tHi back")
	if got := alice.notification(); got != want {
		t.Errorf("alice post notice = %q, want %q", got, want)
	}
	alice.silent()
	bob.silent()

	f = bob.expect(protocol.CmdMessage, "", "", "1", protocol.StatusOK)
	if f.Text() != "Subject: Hi\nMessage: Hello all" {
		t.Errorf("message 1 = %q", f.Text())
	}
	f = bob.expect(protocol.CmdUsers, "", "", nil, protocol.StatusOK)
	if f.Text() != "alice, bob" {
		t.Errorf("users = %q", f.Text())
	}
}

func TestSession_JoinHistoryIsLastTwo(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	for i := 1; i <= 3; i++ {
		alice.expect(protocol.CmdPost, "", "", fmt.Sprintf("s%d\nb%d", i, i), protocol.StatusOK)
	}

	bob := env.connected("bob")
	history, err := bob.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK).Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != 2 || history[1].ID != 3 {
		t.Errorf("history = %+v, want ids 2,3", history)
	}
}

func TestSession_GroupJoinRequiresBoard(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.connected("alice")

	alice.fail(protocol.CmdGroupJoin, "group one", nil, "not a board member")
	if stats := env.registry.Stats(); stats[1].Members != 0 {
		t.Errorf("group one members = %d after rejected join", stats[1].Members)
	}

	alice.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK)
	f := alice.expect(protocol.CmdGroupJoin, "", "Group One", nil, protocol.StatusOK)
	if f.Text() != "There are no messages in this group yet." {
		t.Errorf("groupjoin data = %q", f.Text())
	}
	alice.fail(protocol.CmdGroupJoin, "group one", nil, "already a member")
	alice.fail(protocol.CmdGroupJoin, "group six", nil, "invalid group")
}

func TestSession_GroupArgFromData(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")

	alice.expect(protocol.CmdGroupJoin, "", "", " 'GROUP TWO' ", protocol.StatusOK)
	f := alice.expect(protocol.CmdGroupUsers, "", "", "group two", protocol.StatusOK)
	if f.Text() != "alice" {
		t.Errorf("groupusers = %q", f.Text())
	}
}

func TestSession_InvalidMessageIDs(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	alice.expect(protocol.CmdPost, "", "", "only\none", protocol.StatusOK)

	for _, data := range []any{"0", "-1", "abc", "2", "", 0, nil} {
		alice.fail(protocol.CmdMessage, "", data, "invalid id")
	}

	f := alice.expect(protocol.CmdMessage, "", "", 1, protocol.StatusOK)
	if f.Text() != "Subject: only\nMessage: one" {
		t.Errorf("message 1 = %q", f.Text())
	}
}

func TestSession_GroupMessageAccess(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	bob := env.onBoard("bob")

	alice.expect(protocol.CmdGroupJoin, "", "group one", nil, protocol.StatusOK)
	alice.expect(protocol.CmdGroupPost, "", "group one", "secret\nplans", protocol.StatusOK)
	bob.silent()

	bob.fail(protocol.CmdGroupMessage, "group one", nil, "invalid id")
	bob.fail(protocol.CmdGroupUsers, "group one", nil, "access denied")
	bob.fail(protocol.CmdGroupPost, "group one", "x\ny", "not a member")

	bob.fail(protocol.CmdGroupMessage, "group one", "1", "access denied")
	// Out-of-range ids do not reveal the group's message count to outsiders.
	bob.fail(protocol.CmdGroupMessage, "group one", "99", "access denied")
	alice.fail(protocol.CmdGroupMessage, "group one", "99", "invalid id")

	f := alice.expect(protocol.CmdGroupMessage, "", "group one", "1", protocol.StatusOK)
	if f.Text() != "Subject: secret\nMessage: plans" {
		t.Errorf("groupmessage = %q", f.Text())
	}
}

func TestSession_GroupPostBroadcastExclusion(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	bob := env.onBoard("bob")
	carol := env.onBoard("carol")

	alice.expect(protocol.CmdGroupJoin, "", "group three", nil, protocol.StatusOK)
	bob.expect(protocol.CmdGroupJoin, "", "group three", nil, protocol.StatusOK)
	if got := alice.notification(); got != "bob has joined group three." {
		t.Errorf("alice notice = %q", got)
	}

	bob.expect(protocol.CmdGroupPost, "", "group three", "Plan\nMeet at noon", protocol.StatusOK)
	if got := alice.notification(); !strings.HasPrefix(got, "group three; Message ID: 1, Sender: bob") {
		t.Errorf("alice notice = %q", got)
	}
	bob.silent()
	carol.silent()
}

func TestSession_LeaveRejoin(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")

	alice.expect(protocol.CmdLeave, "", "", nil, protocol.StatusOK)
	if alice.session.State() != StateConnected {
		t.Errorf("state after leave = %v", alice.session.State())
	}
	alice.fail(protocol.CmdLeave, "", nil, "not a member")
	alice.fail(protocol.CmdUsers, "", nil, "not a member")
	alice.expect(protocol.CmdJoin, "", "", nil, protocol.StatusOK)
	alice.fail(protocol.CmdJoin, "", nil, "already a member")

	f := alice.expect(protocol.CmdUsers, "", "", nil, protocol.StatusOK)
	if f.Text() != "alice" {
		t.Errorf("users = %q, want single alice", f.Text())
	}
}

func TestSession_GroupLeaveRestoresBoard(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")

	alice.expect(protocol.CmdGroupJoin, "", "group four", nil, protocol.StatusOK)
	alice.expect(protocol.CmdLeave, "", "", nil, protocol.StatusOK)
	f := alice.expect(protocol.CmdGroupLeave, "", "group four", nil, protocol.StatusOK)
	if f.Text() != "You have left group four." {
		t.Errorf("groupleave data = %q", f.Text())
	}
	if alice.session.State() != StateOnBoard {
		t.Errorf("state = %v, want on_board", alice.session.State())
	}
	if !env.registry.IsBoardMember(alice.client.id) {
		t.Error("expected board membership to be restored")
	}
	alice.fail(protocol.CmdGroupLeave, "group four", nil, "not a member")
	alice.fail(protocol.CmdGroupLeave, "nowhere", nil, "invalid group")
}

func TestSession_PostFormat(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")

	for _, data := range []any{nil, "no newline", "\nbody only", "subject only\n", "  \n  ", 42} {
		alice.fail(protocol.CmdPost, "", data, "invalid format")
	}
	f := alice.expect(protocol.CmdPost, "", "", " Subject \n body\nwith lines ", protocol.StatusOK)
	if f.Text() != "1" {
		t.Errorf("post id = %s", f.Text())
	}
	f = alice.expect(protocol.CmdMessage, "", "", "1", protocol.StatusOK)
	if f.Text() != "Subject: Subject\nMessage: body\nwith lines" {
		t.Errorf("message = %q", f.Text())
	}
}

func TestSession_StateGating(t *testing.T) {
	env := newSessionEnv(t)
	c := env.conn()

	for _, cmd := range []string{protocol.CmdJoin, protocol.CmdPost, protocol.CmdUsers, protocol.CmdGroupJoin, protocol.CmdLeave} {
		c.fail(cmd, "", nil, "not connected")
	}

	f := c.expect(protocol.CmdGroups, "", "", nil, protocol.StatusOK)
	if f.Text() != "group one, group two, group three, group four, group five" {
		t.Errorf("groups = %q", f.Text())
	}

	c.expect(protocol.CmdConnect, "dave", "", nil, protocol.StatusOK)
	c.fail(protocol.CmdConnect, "", nil, "already connected")
	c.fail(protocol.CmdPost, "", "a\nb", "not a member")
}

func TestSession_MissingUsernameCloses(t *testing.T) {
	env := newSessionEnv(t)
	c := env.conn()

	frame, _ := protocol.NewRequest(protocol.CmdConnect, "   ", "", nil)
	if c.session.Handle(frame) {
		t.Error("Handle() = true, want connection closed")
	}
	f := c.next()
	if f.Header.Status != string(protocol.StatusFail) || f.Text() != "username required" {
		t.Errorf("got %s %q", f.Header.Status, f.Text())
	}
	if c.session.State() != StateTerminated {
		t.Errorf("state = %v", c.session.State())
	}
	if c.session.Handle(frame) {
		t.Error("terminated session accepted another request")
	}
}

func TestSession_UsernameRules(t *testing.T) {
	env := newSessionEnv(t)
	env.cfg = sessionConfig{uniqueNames: true, maxNameLength: 5}

	a := env.conn()
	a.expect(protocol.CmdConnect, "alice", "", nil, protocol.StatusOK)

	b := env.conn()
	b.fail(protocol.CmdConnect, "", nil, "username required")

	c := env.conn()
	frame, _ := protocol.NewRequest(protocol.CmdConnect, "ALICE", "", nil)
	if !c.session.Handle(frame) {
		t.Fatal("duplicate name closed the connection")
	}
	if f := c.next(); f.Text() != "username already taken" {
		t.Errorf("duplicate connect = %q", f.Text())
	}
	frame, _ = protocol.NewRequest(protocol.CmdConnect, "alexandra", "", nil)
	c.session.Handle(frame)
	if f := c.next(); f.Text() != "username too long" {
		t.Errorf("long name = %q", f.Text())
	}
	c.expect(protocol.CmdConnect, "al", "", nil, protocol.StatusOK)
	env.drainAll()

	a.expect(protocol.CmdExit, "", "", nil, protocol.StatusOK)
	d := env.conn()
	d.expect(protocol.CmdConnect, "Alice", "", nil, protocol.StatusOK)
}

func TestSession_ExitCleansUp(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	bob := env.onBoard("bob")
	alice.expect(protocol.CmdGroupJoin, "", "group one", nil, protocol.StatusOK)
	env.drainAll()

	if alice.do(protocol.CmdExit, "", "", nil) {
		t.Error("Handle(exit) = true, want false")
	}
	f := alice.next()
	if f.Header.Status != string(protocol.StatusOK) || f.Text() != "You have successfully exited." {
		t.Errorf("exit response = %s %q", f.Header.Status, f.Text())
	}
	if got := bob.notification(); got != "alice has left the server" {
		t.Errorf("bob notice = %q", got)
	}
	for _, s := range env.registry.Stats() {
		if s.Name == board.PublicBoard && s.Members != 1 {
			t.Errorf("public board members = %d", s.Members)
		}
		if s.Name == "group one" && s.Members != 0 {
			t.Errorf("group one members = %d", s.Members)
		}
	}

	// Transport loss after exit must not announce twice.
	alice.session.Terminate()
	bob.silent()
}

func TestSession_TerminateWithoutExit(t *testing.T) {
	env := newSessionEnv(t)
	alice := env.onBoard("alice")
	bob := env.onBoard("bob")

	alice.session.Terminate()
	if got := bob.notification(); got != "alice has left the server" {
		t.Errorf("bob notice = %q", got)
	}
	alice.silent()
	if env.registry.IsBoardMember(alice.client.id) {
		t.Error("terminated session still on the board")
	}

	anon := env.conn()
	anon.session.Terminate()
	bob.silent()
}

func TestSession_MalformedAndUnknown(t *testing.T) {
	env := newSessionEnv(t)
	c := env.connected("alice")

	for _, frame := range []string{`not json`, `{"header":{"command":"join"}}`, `{"body":{}}`, `{"header":{},"body":{}}`} {
		if !c.session.Handle([]byte(frame)) {
			t.Fatalf("malformed frame %q closed the session", frame)
		}
		f := c.next()
		if f.Header.Status != string(protocol.StatusFail) || f.Header.Command != protocol.CmdError || f.Text() != "invalid request format" {
			t.Errorf("frame %q: got %s %s %q", frame, f.Header.Status, f.Header.Command, f.Text())
		}
	}

	c.do("dance", "", "", nil)
	f := c.next()
	if f.Header.Command != protocol.CmdError || f.Text() != "unknown command: dance" {
		t.Errorf("unknown command: got %s %q", f.Header.Command, f.Text())
	}

	c.do(" JOIN ", "", "", nil)
	if f := c.next(); f.Header.Status != string(protocol.StatusOK) || f.Header.Command != protocol.CmdJoin {
		t.Errorf("padded command: got %s %s", f.Header.Status, f.Header.Command)
	}
}

func TestFailReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{board.ErrNotBoardMember, "not a board member"},
		{fmt.Errorf("wrapped: %w", board.ErrAccessDenied), "access denied"},
		{ErrInvalidFormat, "invalid format"},
		{fmt.Errorf("boom"), "request failed"},
	}
	for _, tt := range tests {
		if got := failReason(tt.err); got != tt.want {
			t.Errorf("failReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

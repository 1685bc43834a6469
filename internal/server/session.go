// Package server implements the per-connection session state machine and the
// handlers for every bulletin board command.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/bboard/internal/board"
	"github.com/Tyrowin/bboard/internal/protocol"
)

// Session validation failures. Board-level failures come from package board.
var (
	ErrUsernameRequired = errors.New("username required")
	ErrUsernameTaken    = errors.New("username already taken")
	ErrUsernameTooLong  = errors.New("username too long")
	ErrInvalidFormat    = errors.New("invalid format")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrUnknownCommand   = errors.New("unknown command")
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateNew has no username yet.
	StateNew State = iota
	// StateConnected has a username but no public board membership.
	StateConnected
	// StateOnBoard is on the public board and possibly in groups.
	StateOnBoard
	// StateTerminated has been cleaned up; no further requests are read.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateOnBoard:
		return "on_board"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// notifier is the part of the Hub a session talks to.
type notifier interface {
	board.Broadcaster
	NotifyAll(text string, exclude board.ConnID)
	Send(id board.ConnID, payload []byte) bool
	ClaimName(name string, unique bool) error
	ReleaseName(name string)
}

type sessionConfig struct {
	uniqueNames   bool
	maxNameLength int
}

// Session is the protocol state machine of one connection. Handle and
// Terminate are called only from the connection's read pump.
type Session struct {
	id       board.ConnID
	user     string
	state    State
	hub      notifier
	registry *board.Registry
	cfg      sessionConfig
	logger   *slog.Logger
}

func newSession(id board.ConnID, hub notifier, registry *board.Registry, cfg sessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:       id,
		state:    StateNew,
		hub:      hub,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("session", uuid.NewString()),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) member() board.Member {
	return board.Member{Conn: s.id, User: s.user}
}

// Handle decodes and executes one request frame. It returns false once the
// session has terminated and the connection should be closed.
func (s *Session) Handle(frame []byte) bool {
	if s.state == StateTerminated {
		return false
	}

	req, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Debug("rejecting malformed request", "error", err)
		s.reply(protocol.Fail(protocol.CmdError, "invalid request format"))
		return true
	}

	s.dispatch(req)
	return s.state != StateTerminated
}

// Terminate runs the departure cleanup after the transport went away. It
// does nothing if the session already ended.
func (s *Session) Terminate() {
	if s.state == StateTerminated {
		return
	}
	s.logger.Info("session ended by transport", "user", s.user, "state", s.state.String())
	s.end()
}

// end announces the departure and removes the connection from every board.
func (s *Session) end() {
	prev := s.state
	s.state = StateTerminated
	if prev == StateNew {
		return
	}

	s.hub.NotifyAll(fmt.Sprintf("%s has left the server", s.user), s.id)
	s.registry.RemoveEverywhere(s.id)
	s.hub.ReleaseName(s.user)
}

func (s *Session) reply(resp protocol.Response) {
	payload, err := protocol.Encode(resp)
	if err != nil {
		s.logger.Error("encoding response", "command", resp.Header.Command, "error", err)
		return
	}
	if !s.hub.Send(s.id, payload) {
		s.logger.Warn("response not delivered", "command", resp.Header.Command)
	}
}

func (s *Session) ok(command string, data any) {
	s.reply(protocol.OK(command, data))
}

func (s *Session) handleConnect(req protocol.Request) error {
	if s.state != StateNew {
		return ErrAlreadyConnected
	}

	name := strings.TrimSpace(req.Header.Username)
	if name == "" {
		s.reply(protocol.Fail(protocol.CmdConnect, failReason(ErrUsernameRequired)))
		s.end()
		return nil
	}
	if s.cfg.maxNameLength > 0 && len([]rune(name)) > s.cfg.maxNameLength {
		return ErrUsernameTooLong
	}
	if err := s.hub.ClaimName(name, s.cfg.uniqueNames); err != nil {
		return err
	}

	s.user = name
	s.state = StateConnected
	s.logger = s.logger.With("user", name)
	s.logger.Info("user connected")

	s.ok(protocol.CmdConnect, fmt.Sprintf("Welcome, %s.", name))
	s.hub.NotifyAll(fmt.Sprintf("%s has joined the server", name), s.id)
	return nil
}

// welcome returns the callback that answers a join with the history
// snapshot. It runs under the board's lock.
func (s *Session) welcome(command, empty string) func([]board.Message) {
	return func(history []board.Message) {
		if len(history) == 0 {
			s.ok(command, empty)
			return
		}
		s.ok(command, protocol.NewMessageViews(history))
	}
}

func (s *Session) handleJoin(protocol.Request) error {
	err := s.registry.JoinBoard(s.member(), s.welcome(protocol.CmdJoin, "There are no messages on the board yet."))
	if err != nil {
		return err
	}
	s.state = StateOnBoard
	return nil
}

func (s *Session) handleLeave(protocol.Request) error {
	if err := s.registry.LeaveBoard(s.member()); err != nil {
		return err
	}
	s.state = StateConnected
	s.ok(protocol.CmdLeave, "You have left the message board.")
	return nil
}

func (s *Session) handleGroupJoin(req protocol.Request) error {
	return s.registry.JoinGroup(s.member(), groupArg(req),
		s.welcome(protocol.CmdGroupJoin, "There are no messages in this group yet."))
}

func (s *Session) handleGroupLeave(req protocol.Request) error {
	group, err := s.registry.ResolveGroup(groupArg(req))
	if err != nil {
		return err
	}
	rejoined, err := s.registry.LeaveGroup(s.member(), group)
	if err != nil {
		return err
	}
	if rejoined {
		s.state = StateOnBoard
		s.logger.Info("returned to public board after leaving group", "group", group)
	}
	s.ok(protocol.CmdGroupLeave, fmt.Sprintf("You have left %s.", group))
	return nil
}

func (s *Session) handlePost(req protocol.Request) error {
	subject, body, err := postArgs(req)
	if err != nil {
		return err
	}
	msg, err := s.registry.Post(s.member(), subject, body)
	if err != nil {
		return err
	}
	s.ok(protocol.CmdPost, msg.ID)
	return nil
}

func (s *Session) handleGroupPost(req protocol.Request) error {
	subject, body, err := postArgs(req)
	if err != nil {
		return err
	}
	msg, err := s.registry.PostGroup(s.member(), groupArg(req), subject, body)
	if err != nil {
		return err
	}
	s.ok(protocol.CmdGroupPost, msg.ID)
	return nil
}

func (s *Session) handleUsers(protocol.Request) error {
	users, err := s.registry.Users(s.member())
	if err != nil {
		return err
	}
	s.ok(protocol.CmdUsers, strings.Join(users, ", "))
	return nil
}

func (s *Session) handleGroupUsers(req protocol.Request) error {
	users, err := s.registry.GroupUsers(s.member(), groupArg(req))
	if err != nil {
		return err
	}
	s.ok(protocol.CmdGroupUsers, strings.Join(users, ", "))
	return nil
}

func (s *Session) handleMessage(req protocol.Request) error {
	id, err := messageID(req)
	if err != nil {
		return err
	}
	msg, err := s.registry.Message(s.member(), id)
	if err != nil {
		return err
	}
	s.ok(protocol.CmdMessage, formatMessage(msg))
	return nil
}

func (s *Session) handleGroupMessage(req protocol.Request) error {
	id, err := messageID(req)
	if err != nil {
		return err
	}
	msg, err := s.registry.GroupMessage(s.member(), groupArg(req), id)
	if err != nil {
		return err
	}
	s.ok(protocol.CmdGroupMessage, formatMessage(msg))
	return nil
}

func (s *Session) handleGroups(protocol.Request) error {
	s.ok(protocol.CmdGroups, strings.Join(s.registry.Groups(), ", "))
	return nil
}

func (s *Session) handleExit(protocol.Request) error {
	if s.state != StateNew {
		s.logger.Info("user disconnected")
	}
	s.end()
	s.ok(protocol.CmdExit, "You have successfully exited.")
	return nil
}

// groupArg reads the group from the header, falling back to the body data.
func groupArg(req protocol.Request) string {
	if g := strings.TrimSpace(req.Header.Group); g != "" {
		return g
	}
	data, _ := req.Data()
	return data
}

// postArgs splits "<subject>\n<content>" on the first newline. Both parts
// must be non-empty after trimming.
func postArgs(req protocol.Request) (subject, body string, err error) {
	data, ok := req.Data()
	if !ok {
		return "", "", ErrInvalidFormat
	}
	subject, body, found := strings.Cut(data, "\n")
	subject, body = strings.TrimSpace(subject), strings.TrimSpace(body)
	if !found || subject == "" || body == "" {
		return "", "", ErrInvalidFormat
	}
	return subject, body, nil
}

func messageID(req protocol.Request) (int, error) {
	data, ok := req.Data()
	if !ok {
		return 0, board.ErrInvalidID
	}
	id, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil || id < 1 {
		return 0, board.ErrInvalidID
	}
	return id, nil
}

func formatMessage(msg board.Message) string {
	return fmt.Sprintf("Subject: %s\nMessage: %s", msg.Subject, msg.Body)
}

// Package server routes decoded requests to session handlers and maps
// validation errors to failure responses.
package server

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/bboard/internal/board"
	"github.com/Tyrowin/bboard/internal/protocol"
)

// commandFunc handles one decoded request. It sends its own success
// response; a returned error is answered with FAIL by dispatch.
type commandFunc func(s *Session, req protocol.Request) error

type command struct {
	handle commandFunc
	// anyState commands are accepted before connect.
	anyState bool
}

var commands = map[string]command{
	protocol.CmdConnect:      {handle: (*Session).handleConnect, anyState: true},
	protocol.CmdJoin:         {handle: (*Session).handleJoin},
	protocol.CmdGroupJoin:    {handle: (*Session).handleGroupJoin},
	protocol.CmdPost:         {handle: (*Session).handlePost},
	protocol.CmdGroupPost:    {handle: (*Session).handleGroupPost},
	protocol.CmdUsers:        {handle: (*Session).handleUsers},
	protocol.CmdGroupUsers:   {handle: (*Session).handleGroupUsers},
	protocol.CmdMessage:      {handle: (*Session).handleMessage},
	protocol.CmdGroupMessage: {handle: (*Session).handleGroupMessage},
	protocol.CmdGroupLeave:   {handle: (*Session).handleGroupLeave},
	protocol.CmdLeave:        {handle: (*Session).handleLeave},
	protocol.CmdGroups:       {handle: (*Session).handleGroups, anyState: true},
	protocol.CmdExit:         {handle: (*Session).handleExit, anyState: true},
}

// failReasons maps validation errors to the text sent back to the client.
var failReasons = []struct {
	err    error
	reason string
}{
	{board.ErrAlreadyMember, "already a member"},
	{board.ErrNotMember, "not a member"},
	{board.ErrNotBoardMember, "not a board member"},
	{board.ErrInvalidGroup, "invalid group"},
	{board.ErrAccessDenied, "access denied"},
	{board.ErrInvalidID, "invalid id"},
	{ErrUsernameRequired, "username required"},
	{ErrUsernameTaken, "username already taken"},
	{ErrUsernameTooLong, "username too long"},
	{ErrInvalidFormat, "invalid format"},
	{ErrNotConnected, "not connected"},
	{ErrAlreadyConnected, "already connected"},
	{ErrUnknownCommand, "unknown command"},
}

func failReason(err error) string {
	for _, fr := range failReasons {
		if errors.Is(err, fr.err) {
			return fr.reason
		}
	}
	return "request failed"
}

// dispatch routes req to its handler and answers failures. No handler runs
// for an unknown command or for a command that needs a connected session.
func (s *Session) dispatch(req protocol.Request) {
	name := req.Command()
	cmd, ok := commands[name]
	if !ok {
		s.logger.Debug("unknown command", "command", name)
		s.reply(protocol.Fail(protocol.CmdError, fmt.Sprintf("%s: %s", failReason(ErrUnknownCommand), name)))
		return
	}

	if !cmd.anyState && s.state == StateNew {
		s.reply(protocol.Fail(name, failReason(ErrNotConnected)))
		return
	}

	if err := cmd.handle(s, req); err != nil {
		reason := failReason(err)
		if reason == "request failed" {
			s.logger.Error("command failed", "command", name, "error", err)
		} else {
			s.logger.Debug("command rejected", "command", name, "reason", reason)
		}
		s.reply(protocol.Fail(name, reason))
	}
}

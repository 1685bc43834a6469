// Package protocol defines the newline-delimited JSON envelope spoken
// between bulletin-board clients and the server.
//
// Requests look like {"header":{"command","username","group"},"body":{"data"}}.
// Responses carry {"header":{"status","command"},"body":{"data"}}, and
// unsolicited notifications use the "notify" command with a free-text data
// string whose newlines are escaped so a frame never spans two lines.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/bboard/internal/board"
)

// Commands understood by the server.
const (
	CmdConnect      = "connect"
	CmdJoin         = "join"
	CmdGroupJoin    = "groupjoin"
	CmdPost         = "post"
	CmdGroupPost    = "grouppost"
	CmdUsers        = "users"
	CmdGroupUsers   = "groupusers"
	CmdMessage      = "message"
	CmdGroupMessage = "groupmessage"
	CmdGroupLeave   = "groupleave"
	CmdLeave        = "leave"
	CmdGroups       = "groups"
	CmdExit         = "exit"

	// CmdNotify marks server-initiated notifications.
	CmdNotify = "notify"
	// CmdError is echoed in responses to requests whose command is unknown
	// or could not be decoded.
	CmdError = "error"
)

// Status is the outcome carried in a response header.
type Status string

// Response statuses.
const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
)

// ErrMalformedRequest is returned by Decode for envelopes that are not JSON
// or lack a header, body or command.
var ErrMalformedRequest = errors.New("malformed request")

// RequestHeader names the command and the caller.
type RequestHeader struct {
	Command  string `json:"command"`
	Username string `json:"username,omitempty"`
	Group    string `json:"group,omitempty"`
}

// RequestBody carries the optional command argument.
type RequestBody struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is one decoded client request.
type Request struct {
	Header *RequestHeader `json:"header"`
	Body   *RequestBody   `json:"body"`
}

// Command returns the normalized command name.
func (r Request) Command() string {
	if r.Header == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(r.Header.Command))
}

// Data returns the body data as text. JSON strings are unquoted and numbers
// keep their literal form; ok is false for a missing or null value and for
// objects, arrays and booleans.
func (r Request) Data() (data string, ok bool) {
	if r.Body == nil {
		return "", false
	}
	raw := bytes.TrimSpace(r.Body.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", false
		}
		return data, true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}

// Decode parses one request frame.
func Decode(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.Header == nil {
		return Request{}, fmt.Errorf("%w: missing header", ErrMalformedRequest)
	}
	if req.Body == nil {
		return Request{}, fmt.Errorf("%w: missing body", ErrMalformedRequest)
	}
	if req.Command() == "" {
		return Request{}, fmt.Errorf("%w: missing command", ErrMalformedRequest)
	}
	return req, nil
}

// NewRequest builds a request, mostly for clients and tests. A nil data
// leaves the body empty.
func NewRequest(command, username, group string, data any) ([]byte, error) {
	body := &RequestBody{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body.Data = raw
	}
	return json.Marshal(Request{
		Header: &RequestHeader{Command: command, Username: username, Group: group},
		Body:   body,
	})
}

// ResponseHeader reports the outcome of a command.
type ResponseHeader struct {
	Status  Status `json:"status"`
	Command string `json:"command"`
}

// ResponseBody carries the optional result payload.
type ResponseBody struct {
	Data any `json:"data"`
}

// Response answers exactly one request.
type Response struct {
	Header ResponseHeader `json:"header"`
	Body   ResponseBody   `json:"body"`
}

// OK builds a successful response.
func OK(command string, data any) Response {
	return Response{
		Header: ResponseHeader{Status: StatusOK, Command: command},
		Body:   ResponseBody{Data: data},
	}
}

// Fail builds a failed response with a human-readable reason.
func Fail(command, reason string) Response {
	return Response{
		Header: ResponseHeader{Status: StatusFail, Command: command},
		Body:   ResponseBody{Data: reason},
	}
}

// NotificationHeader always carries CmdNotify.
type NotificationHeader struct {
	Command string `json:"command"`
}

// NotificationBody holds the escaped notice text.
type NotificationBody struct {
	Data string `json:"data"`
}

// Notification is a server-initiated message.
type Notification struct {
	Header NotificationHeader `json:"header"`
	Body   NotificationBody   `json:"body"`
}

// NewNotification wraps text, escaping its line separators.
func NewNotification(text string) Notification {
	return Notification{
		Header: NotificationHeader{Command: CmdNotify},
		Body:   NotificationBody{Data: Escape(text)},
	}
}

var (
	escaper   = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\n`)
	unescaper = strings.NewReplacer(`\n`, "\n")
)

// Escape replaces embedded line breaks with a literal backslash-n.
func Escape(text string) string {
	return escaper.Replace(text)
}

// Unescape reverses Escape for display.
func Unescape(text string) string {
	return unescaper.Replace(text)
}

// Encode marshals a response or notification into a single frame without a
// trailing newline.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MessageView is the wire form of a stored message.
type MessageView struct {
	ID        int    `json:"id"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// NewMessageViews converts messages for a join response.
func NewMessageViews(msgs []board.Message) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = MessageView{
			ID:        m.ID,
			Sender:    m.Sender,
			Timestamp: m.Timestamp.Format(board.TimeLayout),
			Subject:   m.Subject,
			Message:   m.Body,
		}
	}
	return views
}

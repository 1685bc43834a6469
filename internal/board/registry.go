package board

import (
	"slices"
	"sync"
	"time"
)

// ConnID identifies one client connection. Zero is never assigned.
type ConnID uint64

// NoConn excludes nobody when passed as the exclude argument of a broadcast.
const NoConn ConnID = 0

// Member is a connection together with the display name it connected with.
type Member struct {
	Conn ConnID
	User string
}

// Broadcaster delivers a free-text notice to a set of connections, skipping
// exclude. Implementations must not block and must not call back into the
// Registry: Notify runs while a board lock is held.
type Broadcaster interface {
	Notify(text string, recipients []ConnID, exclude ConnID)
}

// Board is the public board or one private group.
type Board struct {
	name    string
	rank    int
	mu      sync.Mutex
	members []Member
	history History
}

func newBoard(name string, rank int) *Board {
	return &Board{
		name:    name,
		rank:    rank,
		history: History{board: name},
	}
}

// Name returns the board's canonical name.
func (b *Board) Name() string {
	return b.name
}

func (b *Board) indexOf(conn ConnID) int {
	return slices.IndexFunc(b.members, func(m Member) bool { return m.Conn == conn })
}

func (b *Board) has(conn ConnID) bool {
	return b.indexOf(conn) >= 0
}

func (b *Board) remove(conn ConnID) bool {
	i := b.indexOf(conn)
	if i < 0 {
		return false
	}
	b.members = slices.Delete(b.members, i, i+1)
	return true
}

func (b *Board) recipients() []ConnID {
	ids := make([]ConnID, len(b.members))
	for i, m := range b.members {
		ids[i] = m.Conn
	}
	return ids
}

func (b *Board) users() []string {
	names := make([]string, len(b.members))
	for i, m := range b.members {
		names[i] = m.User
	}
	return names
}

// Stats is a point-in-time summary of one board.
type Stats struct {
	Name     string `json:"name"`
	Members  int    `json:"members"`
	Messages int    `json:"messages"`
}

// Registry owns the public board and the fixed set of private groups. It is
// safe for concurrent use.
type Registry struct {
	public      *Board
	groups      map[string]*Board
	order       []*Board
	notify      Broadcaster
	historySize int
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistorySize sets how many recent messages a joiner receives.
func WithHistorySize(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.historySize = n
		}
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

type discardBroadcaster struct{}

func (discardBroadcaster) Notify(string, []ConnID, ConnID) {}

// NewRegistry creates the public board and one group per distinct
// normalized name in groups. Blank names, duplicates and the public board's
// own name are skipped.
func NewRegistry(groups []string, notify Broadcaster, opts ...Option) *Registry {
	if notify == nil {
		notify = discardBroadcaster{}
	}
	r := &Registry{
		public:      newBoard(PublicBoard, 0),
		groups:      make(map[string]*Board, len(groups)),
		notify:      notify,
		historySize: 2,
		now:         time.Now,
	}
	r.order = append(r.order, r.public)
	for _, raw := range groups {
		name := NormalizeGroup(raw)
		if name == "" || name == PublicBoard {
			continue
		}
		if _, exists := r.groups[name]; exists {
			continue
		}
		g := newBoard(name, len(r.order))
		r.groups[name] = g
		r.order = append(r.order, g)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Groups returns the group names in declaration order.
func (r *Registry) Groups() []string {
	names := make([]string, 0, len(r.order)-1)
	for _, b := range r.order[1:] {
		names = append(names, b.name)
	}
	return names
}

// ResolveGroup normalizes raw and returns the canonical group name.
func (r *Registry) ResolveGroup(raw string) (string, error) {
	g, err := r.group(raw)
	if err != nil {
		return "", err
	}
	return g.name, nil
}

func (r *Registry) group(raw string) (*Board, error) {
	g, ok := r.groups[NormalizeGroup(raw)]
	if !ok {
		return nil, ErrInvalidGroup
	}
	return g, nil
}

// lock acquires the given boards in rank order and returns the matching
// unlock function.
func lock(boards ...*Board) func() {
	ordered := slices.Clone(boards)
	slices.SortFunc(ordered, func(a, b *Board) int { return a.rank - b.rank })
	ordered = slices.Compact(ordered)
	for _, b := range ordered {
		b.mu.Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}
}

// join adds m to b, hands the history snapshot to welcome and announces the
// join to the other members. The caller holds b's lock.
func (r *Registry) join(b *Board, m Member, welcome func([]Message)) {
	recent := b.history.LastN(r.historySize)
	b.members = append(b.members, m)
	if welcome != nil {
		welcome(recent)
	}
	r.notify.Notify(joinedNotice(m.User, b.name), b.recipients(), m.Conn)
}

// JoinBoard adds m to the public board. welcome receives the recent history
// before any later post can be broadcast to m.
func (r *Registry) JoinBoard(m Member, welcome func([]Message)) error {
	unlock := lock(r.public)
	defer unlock()

	if r.public.has(m.Conn) {
		return ErrAlreadyMember
	}
	r.join(r.public, m, welcome)
	return nil
}

// LeaveBoard removes m from the public board and tells the remaining members.
func (r *Registry) LeaveBoard(m Member) error {
	unlock := lock(r.public)
	defer unlock()

	if !r.public.remove(m.Conn) {
		return ErrNotMember
	}
	r.notify.Notify(leftNotice(m.User, r.public.name), r.public.recipients(), m.Conn)
	return nil
}

// JoinGroup adds m to a private group. The connection must already be on
// the public board.
func (r *Registry) JoinGroup(m Member, group string, welcome func([]Message)) error {
	g, err := r.group(group)
	if err != nil {
		return err
	}
	unlock := lock(r.public, g)
	defer unlock()

	if !r.public.has(m.Conn) {
		return ErrNotBoardMember
	}
	if g.has(m.Conn) {
		return ErrAlreadyMember
	}
	r.join(g, m, welcome)
	return nil
}

// LeaveGroup removes m from a private group. If the connection is no longer
// on the public board it is put back there; rejoined reports whether that
// happened.
func (r *Registry) LeaveGroup(m Member, group string) (rejoined bool, err error) {
	g, err := r.group(group)
	if err != nil {
		return false, err
	}
	unlock := lock(r.public, g)
	defer unlock()

	if !g.remove(m.Conn) {
		return false, ErrNotMember
	}
	r.notify.Notify(leftNotice(m.User, g.name), g.recipients(), m.Conn)

	if !r.public.has(m.Conn) {
		r.public.members = append(r.public.members, m)
		rejoined = true
	}
	return rejoined, nil
}

// post appends to b and announces the message to every member but the
// sender. The caller holds b's lock.
func (r *Registry) post(b *Board, m Member, subject, body string) Message {
	msg := b.history.Append(m.User, subject, body, r.now())
	r.notify.Notify(PostedNotice(msg), b.recipients(), m.Conn)
	return msg
}

// Post appends a message to the public board.
func (r *Registry) Post(m Member, subject, body string) (Message, error) {
	unlock := lock(r.public)
	defer unlock()

	if !r.public.has(m.Conn) {
		return Message{}, ErrNotMember
	}
	return r.post(r.public, m, subject, body), nil
}

// PostGroup appends a message to a private group the connection belongs to.
func (r *Registry) PostGroup(m Member, group, subject, body string) (Message, error) {
	g, err := r.group(group)
	if err != nil {
		return Message{}, err
	}
	unlock := lock(g)
	defer unlock()

	if !g.has(m.Conn) {
		return Message{}, ErrNotMember
	}
	return r.post(g, m, subject, body), nil
}

// Users lists the public board's members in join order.
func (r *Registry) Users(m Member) ([]string, error) {
	unlock := lock(r.public)
	defer unlock()

	if !r.public.has(m.Conn) {
		return nil, ErrNotMember
	}
	return r.public.users(), nil
}

// GroupUsers lists a group's members in join order. Only current members of
// the group may see it.
func (r *Registry) GroupUsers(m Member, group string) ([]string, error) {
	g, err := r.group(group)
	if err != nil {
		return nil, err
	}
	unlock := lock(r.public, g)
	defer unlock()

	if !r.public.has(m.Conn) {
		return nil, ErrNotMember
	}
	if !g.has(m.Conn) {
		return nil, ErrAccessDenied
	}
	return g.users(), nil
}

// Message fetches a public board message by id.
func (r *Registry) Message(m Member, id int) (Message, error) {
	unlock := lock(r.public)
	defer unlock()

	if !r.public.has(m.Conn) {
		return Message{}, ErrNotMember
	}
	msg, ok := r.public.history.Find(id)
	if !ok {
		return Message{}, ErrInvalidID
	}
	return msg, nil
}

// GroupMessage fetches a group message by id for a member of that group.
func (r *Registry) GroupMessage(m Member, group string, id int) (Message, error) {
	g, err := r.group(group)
	if err != nil {
		return Message{}, err
	}
	unlock := lock(r.public, g)
	defer unlock()

	if !r.public.has(m.Conn) {
		return Message{}, ErrNotMember
	}
	if !g.has(m.Conn) {
		return Message{}, ErrAccessDenied
	}
	msg, ok := g.history.Find(id)
	if !ok {
		return Message{}, ErrInvalidID
	}
	return msg, nil
}

// IsBoardMember reports whether conn is on the public board.
func (r *Registry) IsBoardMember(conn ConnID) bool {
	unlock := lock(r.public)
	defer unlock()
	return r.public.has(conn)
}

// RemoveEverywhere drops conn from every board. It is idempotent and sends
// no notices.
func (r *Registry) RemoveEverywhere(conn ConnID) {
	unlock := lock(r.order...)
	defer unlock()
	for _, b := range r.order {
		b.remove(conn)
	}
}

// Stats summarizes every board, public board first.
func (r *Registry) Stats() []Stats {
	stats := make([]Stats, 0, len(r.order))
	for _, b := range r.order {
		b.mu.Lock()
		stats = append(stats, Stats{Name: b.name, Members: len(b.members), Messages: b.history.Len()})
		b.mu.Unlock()
	}
	return stats
}

package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/cache"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/protocol"
)

var (
	ErrUnauthorizedOperation = errors.New("UNAUTHORIZED_OPERATION")
	ErrRoomClosed            = errors.New("ROOM_CLOSED")
)

// Subscriber is one live connection attached to a room. Enqueue must not
// block: it reports false when the connection's outbound queue is full, at
// which point the room drops the connection (it must resync on reconnect).
type Subscriber interface {
	UserID() uint64
	DisplayName() string
	Enqueue(env protocol.Envelope) bool
	Kick(reason string)
}

// Room owns the authoritative state for one document. All mutation of the
// session runs under r.mu, so no two operations for the same document are
// ever transformed or applied concurrently. Broadcasts are enqueued while
// the lock is still held, through non-blocking per-connection queues, so
// every subscriber observes EDITs in the exact order revisions were
// assigned. The lock only ever covers in-memory work; network I/O (redis,
// storage) always happens after release.
type Room struct {
	docID string

	mu      sync.Mutex
	session *DocumentSession
	subs    map[Subscriber]struct{}
	closed  bool

	presence    cache.PresenceCache
	events      EventPublisher
	presenceTTL time.Duration
}

func NewRoom(docID string, session *DocumentSession, presence cache.PresenceCache, events EventPublisher, presenceTTL time.Duration) *Room {
	if presenceTTL <= 0 {
		presenceTTL = 10 * time.Minute
	}
	return &Room{
		docID:       docID,
		session:     session,
		subs:        make(map[Subscriber]struct{}),
		presence:    presence,
		events:      events,
		presenceTTL: presenceTTL,
	}
}

func (r *Room) DocumentID() string { return r.docID }

func (r *Room) subscribersLocked() []Subscriber {
	out := make([]Subscriber, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *Room) fanout(env protocol.Envelope, targets []Subscriber, skip Subscriber) {
	for _, s := range targets {
		if s == skip {
			continue
		}
		if !s.Enqueue(env) {
			// A stalled consumer must not hold up the room. Drop it; the
			// client resyncs from a snapshot on reconnect.
			log.Printf("outbound queue full, dropping connection user=%d doc=%s", s.UserID(), r.docID)
			go s.Kick("SLOW_CONSUMER")
		}
	}
}

func (r *Room) notify(sub Subscriber, p protocol.NotificationPayload) {
	env := protocol.New(protocol.TypeNotification, r.docID, 0, "", p)
	if !sub.Enqueue(env) {
		go sub.Kick("SLOW_CONSUMER")
	}
}

func (r *Room) notifyError(sub Subscriber, code, msg string) {
	r.notify(sub, protocol.NotificationPayload{Event: "error", Code: code, Message: msg})
}

func (r *Room) ack(sub Subscriber, clientID string, clientSeq, version uint64) {
	r.notify(sub, protocol.NotificationPayload{
		Event: "ack",
		Ack:   &protocol.AckPayload{ClientID: clientID, ClientSeq: clientSeq, Version: version},
	})
}

// Join attaches the connection, sends it the current snapshot and roster,
// and broadcasts the updated roster to everyone in the room.
func (r *Room) Join(ctx context.Context, sub Subscriber, color string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.subs[sub] = struct{}{}
	r.session.AddParticipant(sub.UserID(), sub.DisplayName(), color)
	content, version := r.session.Snapshot()
	roster := r.session.Roster()

	// Snapshot first so the joiner has a base before any broadcast lands.
	// Both go out under the lock, so no concurrent edit can slot an EDIT
	// in front of the snapshot.
	if !sub.Enqueue(protocol.New(protocol.TypeJoin, r.docID, sub.UserID(), sub.DisplayName(),
		protocol.SnapshotPayload{Content: content, Version: version})) {
		go sub.Kick("SLOW_CONSUMER")
		r.mu.Unlock()
		return nil
	}
	r.fanout(protocol.New(protocol.TypeOnlineUsers, r.docID, sub.UserID(), sub.DisplayName(),
		protocol.RosterPayload{Users: roster}), r.subscribersLocked(), nil)
	r.mu.Unlock()

	if r.presence != nil {
		if err := r.presence.AddMember(ctx, r.docID, sub.UserID(), sub.DisplayName(), r.presenceTTL); err != nil {
			log.Printf("presence add failed doc=%s user=%d: %v", r.docID, sub.UserID(), err)
		}
	}
	return nil
}

// Leave detaches the connection and broadcasts the shrunk roster. Safe to
// call more than once per connection; disconnects funnel through here too.
func (r *Room) Leave(ctx context.Context, sub Subscriber) {
	r.mu.Lock()
	if _, ok := r.subs[sub]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub)
	fullyLeft := r.session.RemoveParticipant(sub.UserID())
	roster := r.session.Roster()
	r.fanout(protocol.New(protocol.TypeOnlineUsers, r.docID, sub.UserID(), sub.DisplayName(),
		protocol.RosterPayload{Users: roster}), r.subscribersLocked(), nil)
	r.mu.Unlock()

	if fullyLeft && r.presence != nil {
		if err := r.presence.RemoveMember(ctx, r.docID, sub.UserID()); err != nil {
			log.Printf("presence remove failed doc=%s user=%d: %v", r.docID, sub.UserID(), err)
		}
	}
}

// RefreshPresence extends the member's logical TTL; called on heartbeat.
func (r *Room) RefreshPresence(ctx context.Context, sub Subscriber) {
	if r.presence == nil {
		return
	}
	if err := r.presence.AddMember(ctx, r.docID, sub.UserID(), sub.DisplayName(), r.presenceTTL); err != nil {
		log.Printf("presence refresh failed doc=%s user=%d: %v", r.docID, sub.UserID(), err)
	}
}

func (r *Room) authorizedLocked(sub Subscriber) bool {
	if _, ok := r.subs[sub]; !ok {
		return false
	}
	return r.session.HasParticipant(sub.UserID())
}

// HandleEdit runs the serialized accept path: authorize, dedupe, rebase,
// apply, then broadcast the rebased op (originator included, so every
// replica converges through the server-confirmed version) and ack the
// sender with the assigned revision. Broadcast, ack and event publish all
// happen inside the same critical section as the apply; that is what keeps
// the per-subscriber EDIT streams and the event stream in revision order
// when submitters for different clients race.
func (r *Room) HandleEdit(ctx context.Context, sub Subscriber, p protocol.EditPayload) {
	op := p.Operation

	r.mu.Lock()
	if !r.authorizedLocked(sub) {
		r.mu.Unlock()
		r.notifyError(sub, "UNAUTHORIZED_OPERATION", "not an active participant of this document")
		return
	}

	if ot.IsNoop(op) {
		version := r.session.Version()
		r.mu.Unlock()
		r.ack(sub, op.ClientID, op.ClientSeq, version)
		return
	}

	if version, dup, err := r.session.Dedupe(op.ClientID, op.ClientSeq); err != nil {
		r.mu.Unlock()
		r.notifyError(sub, "DUPLICATE_OR_OUT_OF_ORDER", err.Error())
		return
	} else if dup {
		r.mu.Unlock()
		r.ack(sub, op.ClientID, op.ClientSeq, version)
		return
	}

	rebased, err := r.session.Rebase(op)
	if err != nil {
		switch {
		case errors.Is(err, ot.ErrHistoryUnavailable):
			content, version := r.session.Snapshot()
			r.mu.Unlock()
			r.notify(sub, protocol.NotificationPayload{
				Event:    "resync",
				Code:     "HISTORY_UNAVAILABLE",
				Message:  "base revision predates retained history, resync from snapshot",
				Snapshot: &protocol.SnapshotPayload{Content: content, Version: version},
			})
		default:
			r.mu.Unlock()
			r.notifyError(sub, "EDIT_REJECTED", err.Error())
		}
		return
	}

	accepted, err := r.session.ApplyAccepted(sub.UserID(), rebased)
	if err != nil {
		r.mu.Unlock()
		code := "EDIT_REJECTED"
		if errors.Is(err, ot.ErrOutOfRange) {
			code = "OUT_OF_RANGE"
		}
		r.notifyError(sub, code, err.Error())
		return
	}
	r.fanout(protocol.New(protocol.TypeEdit, r.docID, sub.UserID(), sub.DisplayName(),
		protocol.EditPayload{Operation: accepted.Op, Version: accepted.Version}), r.subscribersLocked(), nil)
	r.ack(sub, op.ClientID, op.ClientSeq, accepted.Version)

	if r.events != nil {
		// Publish never blocks; a full dispatcher queue drops the event.
		if err := r.events.Publish(context.Background(), DocOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       r.docID,
			OperationID: accepted.ID,
			Version:     accepted.Version,
			AuthorID:    accepted.AuthorID,
			ClientID:    op.ClientID,
			ClientSeq:   op.ClientSeq,
			BaseVersion: op.BaseVersion,
			Op:          accepted.Op,
			AppliedAt:   accepted.AppliedAt,
		}); err != nil {
			log.Printf("event publish failed doc=%s rev=%d: %v", r.docID, accepted.Version, err)
		}
	}
	r.mu.Unlock()
}

// HandleCursor updates the participant's cursor and fans it out to the
// other participants. Cursors carry no revision and no ordering guarantee
// relative to EDIT broadcasts.
func (r *Room) HandleCursor(ctx context.Context, sub Subscriber, p protocol.CursorPayload) {
	r.mu.Lock()
	if !r.authorizedLocked(sub) {
		r.mu.Unlock()
		r.notifyError(sub, "UNAUTHORIZED_OPERATION", "not an active participant of this document")
		return
	}
	r.session.SetCursor(sub.UserID(), p.Position, p.Color)
	r.fanout(protocol.New(protocol.TypeCursor, r.docID, sub.UserID(), sub.DisplayName(), p), r.subscribersLocked(), sub)
	r.mu.Unlock()

	if r.presence != nil {
		if b, err := json.Marshal(p); err == nil {
			if err := r.presence.SetCursor(ctx, r.docID, sub.UserID(), b, r.presenceTTL); err != nil {
				log.Printf("cursor cache failed doc=%s user=%d: %v", r.docID, sub.UserID(), err)
			}
		}
	}
}

func (r *Room) HandleSelection(ctx context.Context, sub Subscriber, p protocol.SelectionPayload) {
	r.mu.Lock()
	if !r.authorizedLocked(sub) {
		r.mu.Unlock()
		r.notifyError(sub, "UNAUTHORIZED_OPERATION", "not an active participant of this document")
		return
	}
	r.session.SetSelection(sub.UserID(), p.Start, p.End)
	r.fanout(protocol.New(protocol.TypeSelection, r.docID, sub.UserID(), sub.DisplayName(), p), r.subscribersLocked(), sub)
	r.mu.Unlock()
}

func (r *Room) HandleChat(ctx context.Context, sub Subscriber, p protocol.ChatPayload) {
	r.mu.Lock()
	if !r.authorizedLocked(sub) {
		r.mu.Unlock()
		r.notifyError(sub, "UNAUTHORIZED_OPERATION", "not an active participant of this document")
		return
	}
	r.fanout(protocol.New(protocol.TypeChat, r.docID, sub.UserID(), sub.DisplayName(), p), r.subscribersLocked(), nil)
	r.mu.Unlock()
}

// RosterSnapshot returns a copy of the current presence set.
func (r *Room) RosterSnapshot() []protocol.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Roster()
}

// Snapshot returns the current content and revision read-only.
func (r *Room) Snapshot() (string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Snapshot()
}

// CheckpointState reports what the sweeper needs without giving it the
// session: current content/revision and whether anything changed since the
// last checkpoint.
func (r *Room) CheckpointState() (content string, version uint64, dirty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, version = r.session.Snapshot()
	return content, version, r.session.Dirty()
}

// MarkClean records that version was persisted; edits accepted since the
// checkpoint snapshot keep the room dirty.
func (r *Room) MarkClean(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.MarkClean(version)
}

func (r *Room) SetDegraded(d bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.SetDegraded(d)
}

func (r *Room) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Degraded()
}

// TryClose marks the room closed when it has been empty for at least
// grace. A dirty session never closes: state must reach storage before
// the room can be evicted. A closed room rejects Join; late holders of
// the pointer must re-fetch through the hub.
func (r *Room) TryClose(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	if r.session.Dirty() || r.session.ParticipantCount() > 0 || r.session.IdleFor(now) < grace {
		return false
	}
	r.closed = true
	return true
}

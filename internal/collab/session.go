package collab

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/protocol"
)

var (
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrRevisionAhead         = errors.New("REVISION_AHEAD")
)

// Participant is one live presence entry in a room. A user connected from
// several tabs appears once; conns counts the attachments.
type Participant struct {
	UserID         uint64
	DisplayName    string
	CursorColor    string
	CursorPosition int
	SelectionStart *int
	SelectionEnd   *int
	JoinedAt       time.Time
	conns          int
}

// AcceptedOp is an operation the server has applied, in its rebased form.
type AcceptedOp struct {
	ID        string
	Version   uint64
	AuthorID  uint64
	Op        ot.Operation
	AppliedAt time.Time
}

type clientAck struct {
	seq     uint64
	version uint64
}

// DocumentSession is the authoritative in-memory state for one document.
// It is not internally locked: all mutation goes through the owning room's
// serialized apply path.
type DocumentSession struct {
	DocumentID string

	buf     Buffer
	version uint64
	// history is a bounded log of accepted ops since hydration, oldest
	// first. Once it is full the oldest entries are dropped; rebases that
	// reach past the window fail with ErrHistoryUnavailable.
	history    []AcceptedOp
	historyCap int

	// acks remembers, per client, the last acknowledged (seq, version) so
	// duplicate submissions re-ack instead of reapplying.
	acks map[string]clientAck

	participants map[uint64]*Participant

	lastActive time.Time
	dirty      bool
	degraded   bool
}

func NewDocumentSession(docID, content string, version uint64, historyCap int) *DocumentSession {
	if historyCap <= 0 {
		historyCap = 1024
	}
	return &DocumentSession{
		DocumentID:   docID,
		buf:          NewPieceTable(content),
		version:      version,
		historyCap:   historyCap,
		history:      make([]AcceptedOp, 0, historyCap),
		acks:         make(map[string]clientAck),
		participants: make(map[uint64]*Participant),
		lastActive:   time.Now(),
	}
}

func (s *DocumentSession) Version() uint64 { return s.version }
func (s *DocumentSession) Len() int        { return s.buf.Len() }

// Snapshot returns the current content and revision.
func (s *DocumentSession) Snapshot() (string, uint64) {
	return s.buf.String(), s.version
}

// Dedupe checks an incoming (clientID, clientSeq) pair. It returns the
// previously assigned revision when the pair was already acknowledged.
func (s *DocumentSession) Dedupe(clientID string, clientSeq uint64) (version uint64, duplicate bool, err error) {
	last, ok := s.acks[clientID]
	if !ok {
		return 0, false, nil
	}
	if clientSeq == last.seq {
		return last.version, true, nil
	}
	if clientSeq < last.seq {
		return 0, false, fmt.Errorf("%w: client %s seq %d, last acked %d",
			ErrDuplicateOrOutOfOrder, clientID, clientSeq, last.seq)
	}
	return 0, false, nil
}

// Rebase transforms op so it applies cleanly to the current content. The
// fast path (op authored at the current revision) returns op unchanged.
func (s *DocumentSession) Rebase(op ot.Operation) (ot.Operation, error) {
	if op.BaseVersion == s.version {
		return op, nil
	}
	if op.BaseVersion > s.version {
		return op, fmt.Errorf("%w: base %d ahead of revision %d", ErrRevisionAhead, op.BaseVersion, s.version)
	}
	// The history must cover every revision in (base, current].
	if len(s.history) == 0 || s.history[0].Version > op.BaseVersion+1 {
		return op, fmt.Errorf("%w: base %d, oldest retained %d",
			ot.ErrHistoryUnavailable, op.BaseVersion, s.oldestRetained())
	}
	applied := make([]ot.Operation, 0, s.version-op.BaseVersion)
	for _, a := range s.history {
		if a.Version > op.BaseVersion {
			applied = append(applied, a.Op)
		}
	}
	return ot.Rebase(op, applied), nil
}

func (s *DocumentSession) oldestRetained() uint64 {
	if len(s.history) == 0 {
		return s.version + 1
	}
	return s.history[0].Version
}

// ApplyAccepted applies an already-rebased operation, bumps the revision by
// exactly one and records the op in history and the client's ack window.
func (s *DocumentSession) ApplyAccepted(authorID uint64, op ot.Operation) (AcceptedOp, error) {
	var err error
	switch op.Kind {
	case ot.KindInsert:
		err = s.buf.Insert(op.Position, op.Text)
	case ot.KindDelete:
		err = s.buf.Delete(op.Position, op.Length)
	case ot.KindReplace:
		err = s.buf.Replace(op.Position, op.Length, op.Text)
	case ot.KindRetain:
		// Cursor-only placeholder, never consumes a revision; callers
		// short-circuit via IsNoop before getting here.
		return AcceptedOp{}, nil
	default:
		err = fmt.Errorf("%w: %q", ot.ErrUnknownKind, op.Kind)
	}
	if err != nil {
		return AcceptedOp{}, err
	}

	s.version++
	acc := AcceptedOp{
		ID:        uuid.NewString(),
		Version:   s.version,
		AuthorID:  authorID,
		Op:        op,
		AppliedAt: time.Now(),
	}
	if len(s.history) == s.historyCap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, acc)
	s.acks[op.ClientID] = clientAck{seq: op.ClientSeq, version: s.version}
	s.lastActive = time.Now()
	s.dirty = true
	return acc, nil
}

// OpsSince returns retained ops with revision > from, oldest first, for
// clients catching up inside the history window.
func (s *DocumentSession) OpsSince(from uint64, limit int) []AcceptedOp {
	var out []AcceptedOp
	for _, a := range s.history {
		if a.Version > from {
			out = append(out, a)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// AddParticipant registers a presence entry, or attaches another
// connection to an existing one.
func (s *DocumentSession) AddParticipant(userID uint64, name, color string) *Participant {
	if p, ok := s.participants[userID]; ok {
		p.conns++
		return p
	}
	p := &Participant{
		UserID:      userID,
		DisplayName: name,
		CursorColor: color,
		JoinedAt:    time.Now(),
		conns:       1,
	}
	s.participants[userID] = p
	s.lastActive = time.Now()
	return p
}

// RemoveParticipant detaches one connection; the presence entry is dropped
// when no connections remain. Reports whether the user fully left.
func (s *DocumentSession) RemoveParticipant(userID uint64) bool {
	p, ok := s.participants[userID]
	if !ok {
		return false
	}
	p.conns--
	if p.conns > 0 {
		return false
	}
	delete(s.participants, userID)
	s.lastActive = time.Now()
	return true
}

func (s *DocumentSession) HasParticipant(userID uint64) bool {
	_, ok := s.participants[userID]
	return ok
}

func (s *DocumentSession) ParticipantCount() int { return len(s.participants) }

// Roster returns a copy of the presence set for fan-out.
func (s *DocumentSession) Roster() []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, protocol.ParticipantInfo{
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			CursorColor:    p.CursorColor,
			CursorPosition: p.CursorPosition,
			JoinedAt:       p.JoinedAt,
		})
	}
	return out
}

func (s *DocumentSession) SetCursor(userID uint64, pos int, color string) {
	if p, ok := s.participants[userID]; ok {
		p.CursorPosition = pos
		if color != "" {
			p.CursorColor = color
		}
	}
}

func (s *DocumentSession) SetSelection(userID uint64, start, end int) {
	if p, ok := s.participants[userID]; ok {
		p.SelectionStart = &start
		p.SelectionEnd = &end
	}
}

func (s *DocumentSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.lastActive)
}

func (s *DocumentSession) Dirty() bool { return s.dirty }

// MarkClean clears the dirty flag, but only when no edit landed after the
// revision the checkpoint captured. An edit accepted while the storage
// write was in flight keeps the session dirty for the next sweep.
func (s *DocumentSession) MarkClean(version uint64) {
	if s.version == version {
		s.dirty = false
	}
}
func (s *DocumentSession) Degraded() bool   { return s.degraded }
func (s *DocumentSession) SetDegraded(d bool) {
	s.degraded = d
}

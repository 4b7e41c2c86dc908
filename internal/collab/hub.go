package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/cache"
)

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	// ErrPersistence marks storage failures. They never stop live
	// collaboration: the room keeps running in memory, flagged degraded,
	// and the next checkpoint retries.
	ErrPersistence = errors.New("PERSISTENCE_ERROR")
)

// DocumentPersistence is the external storage collaborator.
type DocumentPersistence interface {
	LoadDocument(ctx context.Context, docID string) (content string, version uint64, err error)
	SaveDocument(ctx context.Context, docID, content string, version uint64) error
}

// SnapshotAppender optionally records every checkpoint as an immutable
// snapshot row, alongside the live document update.
type SnapshotAppender interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error
}

type HubConfig struct {
	HistoryCap    int
	PresenceTTL   time.Duration
	IdleGrace     time.Duration
	SweepInterval time.Duration
}

func (c *HubConfig) defaults() {
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1024
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 10 * time.Minute
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Hub keys rooms by document id. Each room is its own serialization
// domain; the hub only adds hydration, checkpointing and eviction around
// them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	sf    singleflight.Group

	docs      DocumentPersistence
	snapshots SnapshotAppender
	presence  cache.PresenceCache
	events    EventPublisher
	cfg       HubConfig
}

func NewHub(docs DocumentPersistence, snapshots SnapshotAppender, presence cache.PresenceCache, events EventPublisher, cfg HubConfig) *Hub {
	cfg.defaults()
	return &Hub{
		rooms:     make(map[string]*Room),
		docs:      docs,
		snapshots: snapshots,
		presence:  presence,
		events:    events,
		cfg:       cfg,
	}
}

// Room returns the live room for docID, hydrating it from storage on
// first access. Concurrent hydrations of the same document collapse into
// one storage load.
func (h *Hub) Room(ctx context.Context, docID string) (*Room, error) {
	h.mu.RLock()
	r := h.rooms[docID]
	h.mu.RUnlock()
	if r != nil {
		return r, nil
	}

	v, err, _ := h.sf.Do(docID, func() (any, error) {
		h.mu.RLock()
		r := h.rooms[docID]
		h.mu.RUnlock()
		if r != nil {
			return r, nil
		}

		// The flight may be shared by several joiners; the first caller
		// cancelling must not fail the others.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		content, version, err := h.docs.LoadDocument(loadCtx, docID)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: load %s: %v", ErrPersistence, docID, err)
		}
		session := NewDocumentSession(docID, content, version, h.cfg.HistoryCap)
		room := NewRoom(docID, session, h.presence, h.events, h.cfg.PresenceTTL)
		h.mu.Lock()
		h.rooms[docID] = room
		h.mu.Unlock()
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// StartSweeper runs the checkpoint/eviction loop until ctx is done.
func (h *Hub) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.Sweep(context.Background())
				return
			case <-ticker.C:
				h.Sweep(ctx)
			}
		}
	}()
}

// Sweep checkpoints dirty rooms and evicts rooms that have been empty past
// the idle grace. State is always persisted before eviction.
func (h *Hub) Sweep(ctx context.Context) {
	h.mu.RLock()
	rooms := make(map[string]*Room, len(h.rooms))
	for id, r := range h.rooms {
		rooms[id] = r
	}
	h.mu.RUnlock()

	now := time.Now()
	for id, room := range rooms {
		if content, version, dirty := room.CheckpointState(); dirty {
			if err := h.checkpoint(ctx, id, content, version); err != nil {
				log.Printf("checkpoint failed doc=%s rev=%d: %v", id, version, err)
				room.SetDegraded(true)
				continue
			}
			// Edits accepted during the storage write keep the room dirty
			// for the next sweep.
			room.MarkClean(version)
			room.SetDegraded(false)
		}
		if room.TryClose(now, h.cfg.IdleGrace) {
			h.mu.Lock()
			if h.rooms[id] == room {
				delete(h.rooms, id)
			}
			h.mu.Unlock()
			log.Printf("room evicted doc=%s", id)
		}
	}
}

func (h *Hub) checkpoint(ctx context.Context, docID, content string, version uint64) error {
	if err := h.docs.SaveDocument(ctx, docID, content, version); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrPersistence, docID, err)
	}
	if h.snapshots != nil {
		// Snapshot rows are an audit trail; failing to append one is not
		// worth degrading the room over.
		if err := h.snapshots.SaveDocumentSnapshot(ctx, docID, version, content); err != nil {
			log.Printf("snapshot append failed doc=%s rev=%d: %v", docID, version, err)
		}
	}
	return nil
}

// RoomCount is used by health reporting.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

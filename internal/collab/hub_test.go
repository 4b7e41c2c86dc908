package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
)

type memDoc struct {
	content string
	version uint64
}

// memPersistence is an in-memory DocumentPersistence with togglable
// failure for degraded-mode tests.
type memPersistence struct {
	mu    sync.Mutex
	docs  map[string]memDoc
	loads int
	saves int
	fail  bool
}

func newMemPersistence() *memPersistence {
	return &memPersistence{docs: make(map[string]memDoc)}
}

func (m *memPersistence) LoadDocument(ctx context.Context, docID string) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.fail {
		return "", 0, errors.New("storage down")
	}
	d, ok := m.docs[docID]
	if !ok {
		return "", 0, ErrDocumentNotFound
	}
	return d.content, d.version, nil
}

func (m *memPersistence) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.fail {
		return errors.New("storage down")
	}
	m.docs[docID] = memDoc{content: content, version: version}
	return nil
}

func (m *memPersistence) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *memPersistence) stats() (loads, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.saves
}

func (m *memPersistence) get(docID string) (memDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	return d, ok
}

func TestHubRoomHydratesOnce(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "hello", version: 3}
	h := NewHub(p, nil, nil, nil, HubConfig{})

	r1, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	if content, version := r1.Snapshot(); content != "hello" || version != 3 {
		t.Fatalf("hydrated state = %q rev %d, want %q rev 3", content, version, "hello")
	}

	r2, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	if r1 != r2 {
		t.Fatalf("second lookup built a new room")
	}
	if loads, _ := p.stats(); loads != 1 {
		t.Fatalf("LoadDocument called %d times, want 1", loads)
	}
}

func TestHubRoomUnknownDocument(t *testing.T) {
	h := NewHub(newMemPersistence(), nil, nil, nil, HubConfig{})
	if _, err := h.Room(context.Background(), "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("Room() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestHubRoomLoadFailureIsPersistenceError(t *testing.T) {
	p := newMemPersistence()
	p.setFail(true)
	h := NewHub(p, nil, nil, nil, HubConfig{})
	if _, err := h.Room(context.Background(), "d1"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("Room() error = %v, want ErrPersistence", err)
	}
}

func TestHubSweepCheckpointsDirtyRooms(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "", version: 0}
	h := NewHub(p, nil, nil, nil, HubConfig{IdleGrace: time.Hour})

	r, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	a := newFakeSub(1, "ada")
	if err := r.Join(context.Background(), a, ""); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 0, Text: "hi", BaseVersion: 0, ClientID: "cA", ClientSeq: 1,
	}))

	h.Sweep(context.Background())
	if d, ok := p.get("d1"); !ok || d.content != "hi" || d.version != 1 {
		t.Fatalf("checkpointed = %+v, want %q rev 1", d, "hi")
	}
	// Nothing changed since: a second sweep does not write again.
	_, saves := p.stats()
	h.Sweep(context.Background())
	if _, after := p.stats(); after != saves {
		t.Fatalf("clean room re-checkpointed")
	}
	if h.RoomCount() != 1 {
		t.Fatalf("occupied room evicted")
	}
}

func TestHubSweepDegradesOnSaveFailure(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "", version: 0}
	h := NewHub(p, nil, nil, nil, HubConfig{IdleGrace: time.Hour})

	r, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	a := newFakeSub(1, "ada")
	if err := r.Join(context.Background(), a, ""); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 0, Text: "hi", BaseVersion: 0, ClientID: "cA", ClientSeq: 1,
	}))

	p.setFail(true)
	h.Sweep(context.Background())
	if !r.Degraded() {
		t.Fatalf("room not degraded after checkpoint failure")
	}

	// Editing keeps working while degraded, and recovery clears the flag on
	// the next successful checkpoint.
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 2, Text: "!", BaseVersion: 1, ClientID: "cA", ClientSeq: 2,
	}))
	p.setFail(false)
	h.Sweep(context.Background())
	if r.Degraded() {
		t.Fatalf("room still degraded after successful checkpoint")
	}
	if d, _ := p.get("d1"); d.content != "hi!" || d.version != 2 {
		t.Fatalf("recovered checkpoint = %+v, want %q rev 2", d, "hi!")
	}
}

// gatedPersistence blocks the first SaveDocument until released,
// simulating a slow storage round trip.
type gatedPersistence struct {
	*memPersistence
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedPersistence) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.memPersistence.SaveDocument(ctx, docID, content, version)
}

func TestHubEditDuringCheckpointStaysDirty(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "", version: 0}
	g := &gatedPersistence{
		memPersistence: p,
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	h := NewHub(g, nil, nil, nil, HubConfig{IdleGrace: time.Nanosecond})

	r, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	a := newFakeSub(1, "ada")
	if err := r.Join(context.Background(), a, ""); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 0, Text: "a", BaseVersion: 0, ClientID: "cA", ClientSeq: 1,
	}))

	// The sweep captures revision 1 and stalls inside the storage write.
	done := make(chan struct{})
	go func() {
		h.Sweep(context.Background())
		close(done)
	}()
	<-g.started

	// A second edit lands while the write is in flight.
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 1, Text: "b", BaseVersion: 1, ClientID: "cA", ClientSeq: 2,
	}))
	close(g.release)
	<-done

	if d, _ := p.get("d1"); d.version != 1 {
		t.Fatalf("checkpoint persisted revision %d, want the captured revision 1", d.version)
	}
	if _, _, dirty := r.CheckpointState(); !dirty {
		t.Fatalf("edit accepted during the checkpoint write was marked clean")
	}

	// With nothing persisted past revision 1 the room must survive
	// eviction until the next sweep catches up.
	r.Leave(context.Background(), a)
	time.Sleep(time.Millisecond)
	h.Sweep(context.Background())
	if d, _ := p.get("d1"); d.content != "ab" || d.version != 2 {
		t.Fatalf("persisted = %+v, want %q rev 2", d, "ab")
	}
}

func TestRoomDirtySessionNeverCloses(t *testing.T) {
	r := NewRoom("doc-1", NewDocumentSession("doc-1", "", 0, 16), nil, nil, time.Minute)
	a := newFakeSub(1, "ada")
	if err := r.Join(context.Background(), a, ""); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.HandleEdit(context.Background(), a, editEnvelope(ot.Operation{
		Kind: ot.KindInsert, Position: 0, Text: "x", BaseVersion: 0, ClientID: "cA", ClientSeq: 1,
	}))
	r.Leave(context.Background(), a)

	if r.TryClose(time.Now().Add(time.Hour), time.Minute) {
		t.Fatalf("room with unpersisted state closed")
	}
	r.MarkClean(1)
	if !r.TryClose(time.Now().Add(time.Hour), time.Minute) {
		t.Fatalf("clean idle room did not close")
	}
}

func TestHubRoomLoadSurvivesCallerCancellation(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "x", version: 1}
	h := NewHub(p, nil, nil, nil, HubConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The hydration flight is shared; the triggering caller's cancellation
	// must not poison it for everyone else.
	if _, err := h.Room(ctx, "d1"); err != nil {
		t.Fatalf("Room() with cancelled caller error = %v", err)
	}
}

func TestHubSweepEvictsIdleEmptyRooms(t *testing.T) {
	p := newMemPersistence()
	p.docs["d1"] = memDoc{content: "x", version: 1}
	h := NewHub(p, nil, nil, nil, HubConfig{IdleGrace: time.Nanosecond})

	r, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() error = %v", err)
	}
	a := newFakeSub(1, "ada")
	if err := r.Join(context.Background(), a, ""); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.Leave(context.Background(), a)

	time.Sleep(5 * time.Millisecond)
	h.Sweep(context.Background())
	if h.RoomCount() != 0 {
		t.Fatalf("idle empty room survived the sweep, count = %d", h.RoomCount())
	}

	// A later access rehydrates from storage.
	r2, err := h.Room(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Room() after eviction error = %v", err)
	}
	if r2 == r {
		t.Fatalf("evicted room pointer reused")
	}
}

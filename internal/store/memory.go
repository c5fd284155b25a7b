package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/soltixdb/meshcoord/internal/models"
)

var errReadOnly = errors.New("write in read-only transaction")

// MemoryStore keeps every table in process memory. Update writes in place and
// keeps an undo log of the rows it touched, so a failed callback leaves no trace
// and a write costs only the rows it changes.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	closed bool
}

type memState struct {
	nodes      map[string]*models.Node
	heartbeats map[string]*models.HeartbeatRecord
	messages   map[string]*models.Message
	// pending per recipient in mailbox order
	pending map[string][]*models.Message
	// elections per level key, oldest first
	elections    map[string][]*models.ElectionRecord
	nextElection uint64
	nextSeq      uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		nodes:      make(map[string]*models.Node),
		heartbeats: make(map[string]*models.HeartbeatRecord),
		messages:   make(map[string]*models.Message),
		pending:    make(map[string][]*models.Message),
		elections:  make(map[string][]*models.ElectionRecord),
	}}
}

// View implements Store
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Unavailable("view", ErrClosed)
	}
	return fn(&memTx{state: s.state})
}

// Update implements Store
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Unavailable("update", ErrClosed)
	}
	tx := &memTx{state: s.state, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stored rows are never mutated; a write replaces the row and logs the old one.
type memTx struct {
	state    *memState
	writable bool
	undo     []func()
}

func (t *memTx) checkWrite() error {
	if !t.writable {
		return errReadOnly
	}
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) putNode(id string, n *models.Node) {
	nodes := t.state.nodes
	prev, had := nodes[id]
	t.undo = append(t.undo, func() { restore(nodes, id, prev, had) })
	restore(nodes, id, n, n != nil)
}

func (t *memTx) putHeartbeat(id string, hb *models.HeartbeatRecord) {
	hbs := t.state.heartbeats
	prev, had := hbs[id]
	t.undo = append(t.undo, func() { restore(hbs, id, prev, had) })
	restore(hbs, id, hb, hb != nil)
}

func (t *memTx) putMessage(m *models.Message) {
	msgs := t.state.messages
	prev, had := msgs[m.ID]
	t.undo = append(t.undo, func() { restore(msgs, m.ID, prev, had) })
	msgs[m.ID] = m
}

// putPending swaps the recipient's whole pending list; lists are never edited in place
func (t *memTx) putPending(to string, list []*models.Message) {
	pending := t.state.pending
	prev, had := pending[to]
	t.undo = append(t.undo, func() { restore(pending, to, prev, had) })
	restore(pending, to, list, len(list) > 0)
}

func restore[V any](m map[string]V, key string, v V, present bool) {
	if present {
		m[key] = v
	} else {
		delete(m, key)
	}
}

func (t *memTx) GetNode(nodeID string) (*models.Node, error) {
	n, ok := t.state.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (t *memTx) InsertNode(n *models.Node) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if _, ok := t.state.nodes[n.NodeID]; ok {
		return ErrConflict
	}
	t.putNode(n.NodeID, n.Clone())
	return nil
}

func (t *memTx) SaveNode(n *models.Node) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if _, ok := t.state.nodes[n.NodeID]; !ok {
		return ErrNotFound
	}
	t.putNode(n.NodeID, n.Clone())
	return nil
}

func (t *memTx) ListNodes(level models.Level, q NodeQuery) ([]*models.Node, error) {
	var out []*models.Node
	for _, n := range t.state.nodes {
		if !InLevel(n, level) || (q.ActiveOnly && !n.Active()) {
			continue
		}
		out = append(out, n.Clone())
	}
	SortCandidates(out)
	return out, nil
}

func (t *memTx) CountNodes(nt models.NodeType) (int, error) {
	count := 0
	for _, n := range t.state.nodes {
		if n.NodeType == nt {
			count++
		}
	}
	return count, nil
}

func (t *memTx) OldestOffline(nt models.NodeType) (*models.Node, error) {
	var (
		oldest *models.Node
		at     time.Time
	)
	for _, n := range t.state.nodes {
		if n.NodeType != nt || n.Active() {
			continue
		}
		last := n.UpdatedAt
		if hb, ok := t.state.heartbeats[n.NodeID]; ok {
			last = hb.LastHeartbeat
		}
		if oldest == nil || last.Before(at) || (last.Equal(at) && n.NodeID < oldest.NodeID) {
			oldest, at = n, last
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest.Clone(), nil
}

func (t *memTx) DeleteNode(nodeID string) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if _, ok := t.state.nodes[nodeID]; !ok {
		return ErrNotFound
	}
	t.putNode(nodeID, nil)
	if _, ok := t.state.heartbeats[nodeID]; ok {
		t.putHeartbeat(nodeID, nil)
	}
	return nil
}

func (t *memTx) SetMainNode(level models.Level, winnerID string) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	winner, ok := t.state.nodes[winnerID]
	if !ok || !InLevel(winner, level) {
		return ErrNotFound
	}
	for id, n := range t.state.nodes {
		if !InLevel(n, level) || n.IsMainNode == (id == winnerID) {
			continue
		}
		c := n.Clone()
		c.IsMainNode = id == winnerID
		t.putNode(id, c)
	}
	return nil
}

func (t *memTx) GetHeartbeat(nodeID string) (*models.HeartbeatRecord, error) {
	hb, ok := t.state.heartbeats[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *hb
	return &c, nil
}

func (t *memTx) PutHeartbeat(hb *models.HeartbeatRecord) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	n, ok := t.state.nodes[hb.NodeID]
	if !ok {
		return ErrNotFound
	}
	c := *hb
	t.putHeartbeat(hb.NodeID, &c)
	if n.Status != hb.Status {
		nc := n.Clone()
		nc.Status = hb.Status
		t.putNode(hb.NodeID, nc)
	}
	return nil
}

func (t *memTx) ListExpired(cutoff time.Time) ([]*models.HeartbeatRecord, error) {
	var out []*models.HeartbeatRecord
	for _, hb := range t.state.heartbeats {
		if hb.Status == models.NodeStatusActive && hb.LastHeartbeat.Before(cutoff) {
			c := *hb
			out = append(out, &c)
		}
	}
	sortExpired(out)
	return out, nil
}

func (t *memTx) MarkOffline(nodeID string, cutoff time.Time) (bool, error) {
	if err := t.checkWrite(); err != nil {
		return false, err
	}
	hb, ok := t.state.heartbeats[nodeID]
	if !ok || hb.Status != models.NodeStatusActive || !hb.LastHeartbeat.Before(cutoff) {
		return false, nil
	}
	c := *hb
	c.Status = models.NodeStatusOffline
	t.putHeartbeat(nodeID, &c)
	if n, ok := t.state.nodes[nodeID]; ok {
		nc := n.Clone()
		nc.Status = models.NodeStatusOffline
		t.putNode(nodeID, nc)
	}
	return true, nil
}

func (t *memTx) AppendElection(rec *models.ElectionRecord) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	st := t.state
	key := rec.Level.Key()
	prev, prevNext := st.elections[key], st.nextElection
	t.undo = append(t.undo, func() {
		restore(st.elections, key, prev, len(prev) > 0)
		st.nextElection = prevNext
	})

	st.nextElection++
	rec.ID = st.nextElection
	c := *rec
	// full slice cap so a rolled back append never reuses prev's backing array
	st.elections[key] = append(prev[:len(prev):len(prev)], &c)
	return nil
}

func (t *memTx) ListElections(level models.Level, limit int) ([]*models.ElectionRecord, error) {
	recs := t.state.elections[level.Key()]
	var out []*models.ElectionRecord
	for i := len(recs) - 1; i >= 0; i-- {
		c := *recs[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertMessage(m *models.Message) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if _, ok := t.state.messages[m.ID]; ok {
		return ErrConflict
	}
	st := t.state
	prevSeq := st.nextSeq
	t.undo = append(t.undo, func() { st.nextSeq = prevSeq })
	st.nextSeq++
	m.Seq = st.nextSeq

	c := *m
	t.putMessage(&c)
	if c.Status == models.MessagePending {
		list := st.pending[c.ToNodeID]
		at := sort.Search(len(list), func(i int) bool {
			return messageLess(c.CreatedAt, c.Seq, list[i].CreatedAt, list[i].Seq)
		})
		next := make([]*models.Message, 0, len(list)+1)
		next = append(next, list[:at]...)
		next = append(next, &c)
		next = append(next, list[at:]...)
		t.putPending(c.ToNodeID, next)
	}
	return nil
}

func (t *memTx) GetMessage(id string) (*models.Message, error) {
	m, ok := t.state.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

func (t *memTx) ListPending(toNodeID string, after *MessageCursor, limit int) ([]*models.Message, error) {
	list := t.state.pending[toNodeID]
	from := sort.Search(len(list), func(i int) bool { return after.After(list[i]) })
	var out []*models.Message
	for _, m := range list[from:] {
		c := *m
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkProcessed(id string, at time.Time) (bool, error) {
	if err := t.checkWrite(); err != nil {
		return false, err
	}
	m, ok := t.state.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != models.MessagePending {
		return false, nil
	}
	c := *m
	c.Status = models.MessageProcessed
	processed := at
	c.ProcessedAt = &processed
	t.putMessage(&c)

	list := t.state.pending[m.ToNodeID]
	next := make([]*models.Message, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			next = append(next, p)
		}
	}
	t.putPending(m.ToNodeID, next)
	return true, nil
}

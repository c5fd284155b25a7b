package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/soltixdb/meshcoord/internal/models"
)

// Bolt schema version
const BoltSchemaVersion = 1

var (
	bucketNodes      = []byte("nodes")
	bucketHeartbeats = []byte("heartbeats")
	bucketElections  = []byte("elections")
	bucketMessages   = []byte("messages")
	bucketPending    = []byte("idx_pending")
	bucketMeta       = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// BoltStore persists the tables in a single bbolt file. bbolt allows one writer
// at a time, which gives Update serializable semantics.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the database file and applies pending migrations
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Unavailable("open", err)
	}
	s := &BoltStore{db: db}
	if err := db.Update(s.migrate); err != nil {
		_ = db.Close()
		return nil, Unavailable("migrate", err)
	}
	return s, nil
}

func (s *BoltStore) migrate(tx *bbolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return err
	}

	current := 0
	if data := meta.Get(keySchemaVersion); data != nil {
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("corrupt schema version: %w", err)
		}
	}
	if current > BoltSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", current, BoltSchemaVersion)
	}

	for version := current + 1; version <= BoltSchemaVersion; version++ {
		switch version {
		case 1:
			for _, b := range [][]byte{bucketNodes, bucketHeartbeats, bucketElections, bucketMessages, bucketPending} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown migration version: %d", version)
		}
	}

	data, _ := json.Marshal(BoltSchemaVersion)
	return meta.Put(keySchemaVersion, data)
}

// View implements Store
func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

// Update implements Store
func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *BoltStore) run(ctx context.Context, writable bool, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	btx, err := s.db.Begin(writable)
	if err != nil {
		return Unavailable("begin", err)
	}
	if err := fn(&boltTx{tx: btx}); err != nil {
		_ = btx.Rollback()
		return err
	}
	if !writable {
		return btx.Rollback()
	}
	if err := btx.Commit(); err != nil {
		return Unavailable("commit", err)
	}
	return nil
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) get(bucket []byte, key string, v any) error {
	data := t.tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (t *boltTx) put(bucket []byte, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put(key, data)
}

func (t *boltTx) eachNode(fn func(n *models.Node) error) error {
	return t.tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
		var n models.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		return fn(&n)
	})
}

func (t *boltTx) GetNode(nodeID string) (*models.Node, error) {
	var n models.Node
	if err := t.get(bucketNodes, nodeID, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *boltTx) InsertNode(n *models.Node) error {
	if t.tx.Bucket(bucketNodes).Get([]byte(n.NodeID)) != nil {
		return ErrConflict
	}
	return t.put(bucketNodes, []byte(n.NodeID), n)
}

func (t *boltTx) SaveNode(n *models.Node) error {
	if t.tx.Bucket(bucketNodes).Get([]byte(n.NodeID)) == nil {
		return ErrNotFound
	}
	return t.put(bucketNodes, []byte(n.NodeID), n)
}

func (t *boltTx) ListNodes(level models.Level, q NodeQuery) ([]*models.Node, error) {
	var out []*models.Node
	err := t.eachNode(func(n *models.Node) error {
		if InLevel(n, level) && (!q.ActiveOnly || n.Active()) {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortCandidates(out)
	return out, nil
}

func (t *boltTx) CountNodes(nt models.NodeType) (int, error) {
	count := 0
	err := t.eachNode(func(n *models.Node) error {
		if n.NodeType == nt {
			count++
		}
		return nil
	})
	return count, err
}

func (t *boltTx) OldestOffline(nt models.NodeType) (*models.Node, error) {
	var (
		oldest *models.Node
		at     time.Time
	)
	err := t.eachNode(func(n *models.Node) error {
		if n.NodeType != nt || n.Active() {
			return nil
		}
		last := n.UpdatedAt
		if hb, err := t.GetHeartbeat(n.NodeID); err == nil {
			last = hb.LastHeartbeat
		}
		if oldest == nil || last.Before(at) || (last.Equal(at) && n.NodeID < oldest.NodeID) {
			oldest, at = n, last
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

func (t *boltTx) DeleteNode(nodeID string) error {
	b := t.tx.Bucket(bucketNodes)
	if b.Get([]byte(nodeID)) == nil {
		return ErrNotFound
	}
	if err := b.Delete([]byte(nodeID)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketHeartbeats).Delete([]byte(nodeID))
}

func (t *boltTx) SetMainNode(level models.Level, winnerID string) error {
	winner, err := t.GetNode(winnerID)
	if err != nil {
		return err
	}
	if !InLevel(winner, level) {
		return ErrNotFound
	}

	var changed []*models.Node
	err = t.eachNode(func(n *models.Node) error {
		if !InLevel(n, level) {
			return nil
		}
		want := n.NodeID == winnerID
		if n.IsMainNode != want {
			n.IsMainNode = want
			changed = append(changed, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// bbolt forbids writes while ForEach iterates
	for _, n := range changed {
		if err := t.put(bucketNodes, []byte(n.NodeID), n); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) GetHeartbeat(nodeID string) (*models.HeartbeatRecord, error) {
	var hb models.HeartbeatRecord
	if err := t.get(bucketHeartbeats, nodeID, &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

func (t *boltTx) PutHeartbeat(hb *models.HeartbeatRecord) error {
	n, err := t.GetNode(hb.NodeID)
	if err != nil {
		return err
	}
	if err := t.put(bucketHeartbeats, []byte(hb.NodeID), hb); err != nil {
		return err
	}
	if n.Status != hb.Status {
		n.Status = hb.Status
		return t.put(bucketNodes, []byte(n.NodeID), n)
	}
	return nil
}

func (t *boltTx) ListExpired(cutoff time.Time) ([]*models.HeartbeatRecord, error) {
	var out []*models.HeartbeatRecord
	err := t.tx.Bucket(bucketHeartbeats).ForEach(func(_, v []byte) error {
		var hb models.HeartbeatRecord
		if err := json.Unmarshal(v, &hb); err != nil {
			return err
		}
		if hb.Status == models.NodeStatusActive && hb.LastHeartbeat.Before(cutoff) {
			out = append(out, &hb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortExpired(out)
	return out, nil
}

func (t *boltTx) MarkOffline(nodeID string, cutoff time.Time) (bool, error) {
	hb, err := t.GetHeartbeat(nodeID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if hb.Status != models.NodeStatusActive || !hb.LastHeartbeat.Before(cutoff) {
		return false, nil
	}
	hb.Status = models.NodeStatusOffline
	if err := t.PutHeartbeat(hb); err != nil && err != ErrNotFound {
		return false, err
	}
	return true, nil
}

func (t *boltTx) AppendElection(rec *models.ElectionRecord) error {
	b := t.tx.Bucket(bucketElections)
	id, err := b.NextSequence()
	if err != nil {
		return err
	}
	rec.ID = id
	return t.put(bucketElections, u64(id), rec)
}

func (t *boltTx) ListElections(level models.Level, limit int) ([]*models.ElectionRecord, error) {
	var out []*models.ElectionRecord
	c := t.tx.Bucket(bucketElections).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var rec models.ElectionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		if rec.Level != level {
			continue
		}
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *boltTx) InsertMessage(m *models.Message) error {
	b := t.tx.Bucket(bucketMessages)
	if b.Get([]byte(m.ID)) != nil {
		return ErrConflict
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	m.Seq = seq
	if err := t.put(bucketMessages, []byte(m.ID), m); err != nil {
		return err
	}
	if m.Status == models.MessagePending {
		return t.tx.Bucket(bucketPending).Put(pendingKey(m), []byte(m.ID))
	}
	return nil
}

func (t *boltTx) GetMessage(id string) (*models.Message, error) {
	var m models.Message
	if err := t.get(bucketMessages, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *boltTx) ListPending(toNodeID string, after *MessageCursor, limit int) ([]*models.Message, error) {
	prefix := pendingPrefix(toNodeID)
	start := prefix
	if after != nil {
		start = pendingKeyAt(toNodeID, after.CreatedAt, after.Seq)
	}
	var out []*models.Message
	c := t.tx.Bucket(bucketPending).Cursor()
	k, v := c.Seek(start)
	if after != nil && bytes.Equal(k, start) {
		k, v = c.Next()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		m, err := t.GetMessage(string(v))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *boltTx) MarkProcessed(id string, at time.Time) (bool, error) {
	m, err := t.GetMessage(id)
	if err != nil {
		return false, err
	}
	if m.Status != models.MessagePending {
		return false, nil
	}
	if err := t.tx.Bucket(bucketPending).Delete(pendingKey(m)); err != nil {
		return false, err
	}
	m.Status = models.MessageProcessed
	processed := at
	m.ProcessedAt = &processed
	return true, t.put(bucketMessages, []byte(m.ID), m)
}

// pendingKey sorts by recipient, then createdAt, then sequence
func pendingKey(m *models.Message) []byte {
	return pendingKeyAt(m.ToNodeID, m.CreatedAt, m.Seq)
}

func pendingKeyAt(toNodeID string, createdAt time.Time, seq uint64) []byte {
	key := pendingPrefix(toNodeID)
	key = append(key, u64(uint64(createdAt.UnixNano()))...)
	return append(key, u64(seq)...)
}

func pendingPrefix(toNodeID string) []byte {
	return append([]byte(toNodeID), 0)
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

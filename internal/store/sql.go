package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/soltixdb/meshcoord/internal/models"
	"github.com/soltixdb/meshcoord/internal/utils"
)

// Postgres serialization_failure and deadlock_detected
const (
	sqlStateSerialization = "40001"
	sqlStateDeadlock      = "40P01"
)

// One node table per level
var nodeTables = map[models.NodeType]string{
	models.NodeTypeDomain:  "domain_nodes",
	models.NodeTypeCluster: "cluster_nodes",
	models.NodeTypeChannel: "channel_nodes",
	models.NodeTypeLocal:   "local_nodes",
}

type nodeRow struct {
	NodeID       string    `gorm:"column:node_id;primaryKey;size:64"`
	DomainID     string    `gorm:"size:128;not null;index:idx_level"`
	ClusterID    string    `gorm:"size:128;not null;default:'';index:idx_level"`
	ChannelID    string    `gorm:"size:128;not null;default:'';index:idx_level"`
	IPAddress    string    `gorm:"size:64"`
	Port         int
	Status       string    `gorm:"size:16;not null;index"`
	IsMainNode   bool      `gorm:"not null;default:false"`
	Priority     int       `gorm:"not null;default:0"`
	Capabilities string    `gorm:"type:text"`
	Metadata     string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

type heartbeatRow struct {
	NodeID        string    `gorm:"column:node_id;primaryKey;size:64"`
	NodeType      string    `gorm:"size:16;not null"`
	DomainID      string    `gorm:"size:128;not null"`
	ClusterID     string    `gorm:"size:128;not null;default:''"`
	ChannelID     string    `gorm:"size:128;not null;default:''"`
	IPAddress     string    `gorm:"size:64"`
	Port          int
	LastHeartbeat time.Time `gorm:"not null;index:idx_hb_status_last,priority:2"`
	Status        string    `gorm:"size:16;not null;index:idx_hb_status_last,priority:1"`
}

func (heartbeatRow) TableName() string { return "node_heartbeats" }

type electionRow struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	NodeType     string    `gorm:"size:16;not null;index:idx_election_level"`
	DomainID     string    `gorm:"size:128;not null;index:idx_election_level"`
	ClusterID    string    `gorm:"size:128;not null;default:'';index:idx_election_level"`
	ChannelID    string    `gorm:"size:128;not null;default:'';index:idx_election_level"`
	OldMainNode  *string   `gorm:"size:64"`
	NewMainNode  string    `gorm:"size:64;not null"`
	Reason       string    `gorm:"size:16;not null"`
	ElectionTime time.Time `gorm:"not null"`
	Status       string    `gorm:"size:16;not null"`
}

func (electionRow) TableName() string { return "node_elections" }

type messageRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Seq         uint64    `gorm:"autoIncrement;uniqueIndex"`
	FromNodeID  string    `gorm:"size:64;not null"`
	ToNodeID    string    `gorm:"size:64;not null;index:idx_msg_inbox,priority:1"`
	MessageType string    `gorm:"size:64;not null"`
	MessageData string    `gorm:"type:text"`
	Status      string    `gorm:"size:16;not null;index:idx_msg_inbox,priority:2"`
	CreatedAt   time.Time `gorm:"not null;index:idx_msg_inbox,priority:3"`
	ProcessedAt *time.Time
}

func (messageRow) TableName() string { return "node_messages" }

// SQLOptions tunes the postgres backend
type SQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Retries of a transaction aborted by a serialization failure
	TxRetries int
	Logger    logger.Interface
}

// SQLStore keeps the tables in postgres through gorm. Update runs at
// serializable isolation and retries serialization failures.
type SQLStore struct {
	db      *gorm.DB
	retries int
}

// OpenPostgres connects to dsn and migrates the schema
func OpenPostgres(dsn string, opts SQLOptions) (*SQLStore, error) {
	cfg := &gorm.Config{Logger: opts.Logger}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, Unavailable("open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, Unavailable("open", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if opts.TxRetries <= 0 {
		opts.TxRetries = utils.DefaultMaxRetries
	}
	s := &SQLStore{db: db, retries: opts.TxRetries}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, Unavailable("migrate", err)
	}
	return s, nil
}

// NewSQLStore wraps an existing gorm handle; the schema must already exist or be
// created with Migrate
func NewSQLStore(db *gorm.DB, retries int) *SQLStore {
	return &SQLStore{db: db, retries: retries}
}

// Migrate creates or updates the schema
func (s *SQLStore) Migrate() error {
	return s.migrate()
}

func (s *SQLStore) migrate() error {
	for _, nt := range models.NodeTypes {
		if err := s.db.Table(nodeTables[nt]).AutoMigrate(&nodeRow{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", nodeTables[nt], err)
		}
	}
	if err := s.db.AutoMigrate(&heartbeatRow{}, &electionRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// View implements Store
func (s *SQLStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

// Update implements Store
func (s *SQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func (s *SQLStore) run(ctx context.Context, opts *sql.TxOptions, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		var fnErr error
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			fnErr = fn(&sqlTx{db: tx, writable: !opts.ReadOnly})
			return fnErr
		}, opts)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == s.retries {
			break
		}
		if werr := sleepBackoff(ctx, attempt); werr != nil {
			return werr
		}
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Unavailable("transaction", err)
	}
	return err
}

// sleepBackoff waits before retry attempt+1, doubling from DefaultRetryBackoff
func sleepBackoff(ctx context.Context, attempt int) error {
	d := utils.DefaultRetryBackoff << attempt
	if d > utils.MaxRetryBackoff || d <= 0 {
		d = utils.MaxRetryBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerialization || pgErr.Code == sqlStateDeadlock
}

// Close implements Store
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlTx struct {
	db       *gorm.DB
	writable bool
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryable(err) {
		// keep the driver error visible so run can retry the transaction
		return err
	}
	return Unavailable(op, err)
}

func levelScope(l models.Level) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("domain_id = ? AND cluster_id = ? AND channel_id = ?", l.DomainID, l.ClusterID, l.ChannelID)
	}
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func decodeMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func toNodeRow(n *models.Node) (*nodeRow, error) {
	caps, err := encodeMap(n.Capabilities)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMap(n.Metadata)
	if err != nil {
		return nil, err
	}
	return &nodeRow{
		NodeID:       n.NodeID,
		DomainID:     n.DomainID,
		ClusterID:    n.ClusterID,
		ChannelID:    n.ChannelID,
		IPAddress:    n.IPAddress,
		Port:         n.Port,
		Status:       string(n.Status),
		IsMainNode:   n.IsMainNode,
		Priority:     n.Priority,
		Capabilities: caps,
		Metadata:     meta,
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}, nil
}

func (r *nodeRow) toNode(nt models.NodeType) *models.Node {
	return &models.Node{
		NodeID:       r.NodeID,
		NodeType:     nt,
		Hierarchy:    models.Hierarchy{DomainID: r.DomainID, ClusterID: r.ClusterID, ChannelID: r.ChannelID},
		IPAddress:    r.IPAddress,
		Port:         r.Port,
		Status:       models.NodeStatus(r.Status),
		IsMainNode:   r.IsMainNode,
		Priority:     r.Priority,
		Capabilities: decodeMap(r.Capabilities),
		Metadata:     decodeMap(r.Metadata),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (t *sqlTx) GetNode(nodeID string) (*models.Node, error) {
	for _, nt := range models.NodeTypes {
		var rows []nodeRow
		if err := t.db.Table(nodeTables[nt]).Where("node_id = ?", nodeID).Limit(1).Find(&rows).Error; err != nil {
			return nil, dbErr("get node", err)
		}
		if len(rows) == 1 {
			return rows[0].toNode(nt), nil
		}
	}
	return nil, ErrNotFound
}

func (t *sqlTx) InsertNode(n *models.Node) error {
	if _, err := t.GetNode(n.NodeID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	row, err := toNodeRow(n)
	if err != nil {
		return err
	}
	return dbErr("insert node", t.db.Table(nodeTables[n.NodeType]).Create(row).Error)
}

func (t *sqlTx) SaveNode(n *models.Node) error {
	row, err := toNodeRow(n)
	if err != nil {
		return err
	}
	res := t.db.Table(nodeTables[n.NodeType]).Where("node_id = ?", n.NodeID).Select("*").UpdateColumns(row)
	if res.Error != nil {
		return dbErr("save node", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) ListNodes(level models.Level, q NodeQuery) ([]*models.Node, error) {
	db := t.db.Table(nodeTables[level.NodeType]).Scopes(levelScope(level))
	if q.ActiveOnly {
		db = db.Where("status = ?", string(models.NodeStatusActive))
	}
	if t.writable {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []nodeRow
	if err := db.Order("priority DESC, created_at ASC, node_id ASC").Find(&rows).Error; err != nil {
		return nil, dbErr("list nodes", err)
	}
	out := make([]*models.Node, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toNode(level.NodeType))
	}
	return out, nil
}

func (t *sqlTx) CountNodes(nt models.NodeType) (int, error) {
	var count int64
	if err := t.db.Table(nodeTables[nt]).Count(&count).Error; err != nil {
		return 0, dbErr("count nodes", err)
	}
	return int(count), nil
}

func (t *sqlTx) OldestOffline(nt models.NodeType) (*models.Node, error) {
	table := nodeTables[nt]
	var rows []nodeRow
	err := t.db.Table(table+" AS n").
		Select("n.*").
		Joins("LEFT JOIN node_heartbeats h ON h.node_id = n.node_id").
		Where("n.status = ?", string(models.NodeStatusOffline)).
		Order("COALESCE(h.last_heartbeat, n.updated_at) ASC, n.node_id ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, dbErr("oldest offline", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toNode(nt), nil
}

func (t *sqlTx) DeleteNode(nodeID string) error {
	n, err := t.GetNode(nodeID)
	if err != nil {
		return err
	}
	if err := t.db.Table(nodeTables[n.NodeType]).Where("node_id = ?", nodeID).Delete(&nodeRow{}).Error; err != nil {
		return dbErr("delete node", err)
	}
	return dbErr("delete heartbeat", t.db.Where("node_id = ?", nodeID).Delete(&heartbeatRow{}).Error)
}

func (t *sqlTx) SetMainNode(level models.Level, winnerID string) error {
	table := nodeTables[level.NodeType]
	var count int64
	if err := t.db.Table(table).Scopes(levelScope(level)).Where("node_id = ?", winnerID).Count(&count).Error; err != nil {
		return dbErr("set main node", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	err := t.db.Table(table).Scopes(levelScope(level)).
		Update("is_main_node", gorm.Expr("node_id = ?", winnerID)).Error
	return dbErr("set main node", err)
}

func (t *sqlTx) GetHeartbeat(nodeID string) (*models.HeartbeatRecord, error) {
	var row heartbeatRow
	if err := t.db.Where("node_id = ?", nodeID).Take(&row).Error; err != nil {
		return nil, dbErr("get heartbeat", err)
	}
	return row.toRecord(), nil
}

func (r *heartbeatRow) toRecord() *models.HeartbeatRecord {
	return &models.HeartbeatRecord{
		NodeID:        r.NodeID,
		NodeType:      models.NodeType(r.NodeType),
		Hierarchy:     models.Hierarchy{DomainID: r.DomainID, ClusterID: r.ClusterID, ChannelID: r.ChannelID},
		IPAddress:     r.IPAddress,
		Port:          r.Port,
		LastHeartbeat: r.LastHeartbeat.UTC(),
		Status:        models.NodeStatus(r.Status),
	}
}

func (t *sqlTx) PutHeartbeat(hb *models.HeartbeatRecord) error {
	n, err := t.GetNode(hb.NodeID)
	if err != nil {
		return err
	}
	row := heartbeatRow{
		NodeID:        hb.NodeID,
		NodeType:      string(hb.NodeType),
		DomainID:      hb.DomainID,
		ClusterID:     hb.ClusterID,
		ChannelID:     hb.ChannelID,
		IPAddress:     hb.IPAddress,
		Port:          hb.Port,
		LastHeartbeat: hb.LastHeartbeat,
		Status:        string(hb.Status),
	}
	if err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return dbErr("put heartbeat", err)
	}
	err = t.db.Table(nodeTables[n.NodeType]).Where("node_id = ?", hb.NodeID).
		Update("status", string(hb.Status)).Error
	return dbErr("project status", err)
}

func (t *sqlTx) ListExpired(cutoff time.Time) ([]*models.HeartbeatRecord, error) {
	var rows []heartbeatRow
	err := t.db.Where("status = ? AND last_heartbeat < ?", string(models.NodeStatusActive), cutoff).
		Order("last_heartbeat ASC, node_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, dbErr("list expired", err)
	}
	out := make([]*models.HeartbeatRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (t *sqlTx) MarkOffline(nodeID string, cutoff time.Time) (bool, error) {
	res := t.db.Model(&heartbeatRow{}).
		Where("node_id = ? AND status = ? AND last_heartbeat < ?", nodeID, string(models.NodeStatusActive), cutoff).
		Update("status", string(models.NodeStatusOffline))
	if res.Error != nil {
		return false, dbErr("mark offline", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	n, err := t.GetNode(nodeID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	err = t.db.Table(nodeTables[n.NodeType]).Where("node_id = ?", nodeID).
		Update("status", string(models.NodeStatusOffline)).Error
	return true, dbErr("project status", err)
}

func (t *sqlTx) AppendElection(rec *models.ElectionRecord) error {
	row := electionRow{
		NodeType:     string(rec.Level.NodeType),
		DomainID:     rec.Level.DomainID,
		ClusterID:    rec.Level.ClusterID,
		ChannelID:    rec.Level.ChannelID,
		OldMainNode:  rec.OldMainNode,
		NewMainNode:  rec.NewMainNode,
		Reason:       string(rec.Reason),
		ElectionTime: rec.ElectionTime,
		Status:       rec.Status,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return dbErr("append election", err)
	}
	rec.ID = row.ID
	return nil
}

func (t *sqlTx) ListElections(level models.Level, limit int) ([]*models.ElectionRecord, error) {
	db := t.db.Where("node_type = ?", string(level.NodeType)).Scopes(levelScope(level)).Order("id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var rows []electionRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, dbErr("list elections", err)
	}
	out := make([]*models.ElectionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.ElectionRecord{
			ID:           r.ID,
			Level:        level,
			OldMainNode:  r.OldMainNode,
			NewMainNode:  r.NewMainNode,
			Reason:       models.ElectionReason(r.Reason),
			ElectionTime: r.ElectionTime.UTC(),
			Status:       r.Status,
		})
	}
	return out, nil
}

func (t *sqlTx) InsertMessage(m *models.Message) error {
	var count int64
	if err := t.db.Model(&messageRow{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
		return dbErr("insert message", err)
	}
	if count > 0 {
		return ErrConflict
	}
	row := messageRow{
		ID:          m.ID,
		FromNodeID:  m.FromNodeID,
		ToNodeID:    m.ToNodeID,
		MessageType: string(m.MessageType),
		MessageData: string(m.MessageData),
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		ProcessedAt: m.ProcessedAt,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return dbErr("insert message", err)
	}
	m.Seq = row.Seq
	return nil
}

func (r *messageRow) toMessage() *models.Message {
	m := &models.Message{
		ID:          r.ID,
		Seq:         r.Seq,
		FromNodeID:  r.FromNodeID,
		ToNodeID:    r.ToNodeID,
		MessageType: models.MessageType(r.MessageType),
		Status:      models.MessageStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.MessageData != "" {
		m.MessageData = json.RawMessage(r.MessageData)
	}
	if r.ProcessedAt != nil {
		at := r.ProcessedAt.UTC()
		m.ProcessedAt = &at
	}
	return m
}

func (t *sqlTx) GetMessage(id string) (*models.Message, error) {
	var row messageRow
	if err := t.db.Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, dbErr("get message", err)
	}
	return row.toMessage(), nil
}

func (t *sqlTx) ListPending(toNodeID string, after *MessageCursor, limit int) ([]*models.Message, error) {
	db := t.db.Where("to_node_id = ? AND status = ?", toNodeID, string(models.MessagePending))
	if after != nil {
		db = db.Where("(created_at > ? OR (created_at = ? AND seq > ?))", after.CreatedAt, after.CreatedAt, after.Seq)
	}
	db = db.Order("created_at ASC, seq ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var rows []messageRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, dbErr("list pending", err)
	}
	out := make([]*models.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMessage())
	}
	return out, nil
}

func (t *sqlTx) MarkProcessed(id string, at time.Time) (bool, error) {
	res := t.db.Model(&messageRow{}).
		Where("id = ? AND status = ?", id, string(models.MessagePending)).
		Updates(map[string]interface{}{
			"status":       string(models.MessageProcessed),
			"processed_at": at,
		})
	if res.Error != nil {
		return false, dbErr("mark processed", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := t.GetMessage(id); err != nil {
		return false, err
	}
	return false, nil
}

// Exec runs fn against the underlying gorm handle outside any store transaction
func (s *SQLStore) Exec(fn func(db *gorm.DB) error) error {
	return fn(s.db)
}

// Package directory mirrors the current main node of every level into etcd so
// transports on other hosts can find a leader without reading the store.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/events"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/models"
)

// ErrNotFound is returned by Lookup for a level without a published leader
var ErrNotFound = errors.New("no leader published")

const (
	leadersDir       = "leaders"
	defaultCacheTTL  = 10 * time.Second
	defaultOpTimeout = 5 * time.Second
	defaultDirPrefix = "/meshcoord"
)

// Entry is the published leader of one level
type Entry struct {
	Level     models.Level `json:"level"`
	NodeID    string       `json:"nodeId"`
	IPAddress string       `json:"ipAddress"`
	Port      int          `json:"port"`
	ElectedAt time.Time    `json:"electedAt"`
}

// EtcdDirectory keeps /<prefix>/leaders/<level key> up to date
type EtcdDirectory struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	timeout   time.Duration
	cache     *lookupCache
	logger    *logging.Logger

	mu     sync.Mutex
	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcdDirectory connects to the configured endpoints
func NewEtcdDirectory(cfg config.EtcdConfig, logger *logging.Logger) (*EtcdDirectory, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultOpTimeout
	}
	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	if cfg.TLSEnabled() {
		tlsInfo := transport.TLSInfo{
			CertFile:      cfg.CertFile,
			KeyFile:       cfg.KeyFile,
			TrustedCAFile: cfg.CAFile,
		}
		tlsCfg, err := tlsInfo.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load etcd TLS config: %w", err)
		}
		clientCfg.TLS = tlsCfg
	}

	client, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	d := NewWithClient(client, cfg.DirectoryPrefix, logger)
	d.ownClient = true
	d.timeout = dialTimeout
	return d, nil
}

// NewWithClient uses an existing client; Close leaves the client open
func NewWithClient(client *clientv3.Client, prefix string, logger *logging.Logger) *EtcdDirectory {
	if prefix == "" {
		prefix = defaultDirPrefix
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &EtcdDirectory{
		client:  client,
		prefix:  prefix,
		timeout: defaultOpTimeout,
		cache:   newLookupCache(defaultCacheTTL),
		logger:  logger.With("component", "directory"),
	}
}

func (d *EtcdDirectory) leadersPrefix() string {
	return path.Join(d.prefix, leadersDir) + "/"
}

func (d *EtcdDirectory) key(level models.Level) string {
	return path.Join(d.prefix, leadersDir, level.Key())
}

// Attach follows elections and offline transitions on bus
func (d *EtcdDirectory) Attach(bus *events.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubs = append(d.unsubs,
		bus.Subscribe(events.MainNodeElected, d.onElected),
		bus.Subscribe(events.NodeOffline, d.onOffline),
	)
}

func (d *EtcdDirectory) onElected(e events.Event) {
	notice, ok := e.Payload.(models.LeadershipChanged)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.Publish(ctx, Entry{
		Level:     notice.Level,
		NodeID:    notice.NewMainNode,
		IPAddress: notice.IPAddress,
		Port:      notice.Port,
		ElectedAt: notice.ElectionTime,
	})
	if err != nil {
		d.logger.Error("Failed to publish leader", "level", notice.Level.Key(), "error", err)
	}
}

func (d *EtcdDirectory) onOffline(e events.Event) {
	notice, ok := e.Payload.(models.NodeOffline)
	if !ok || !notice.WasMainNode {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if _, err := d.Remove(ctx, notice.Level, notice.NodeID); err != nil {
		d.logger.Error("Failed to remove leader", "level", notice.Level.Key(), "error", err)
	}
}

// Publish writes entry as the leader of its level
func (d *EtcdDirectory) Publish(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal leader entry: %w", err)
	}

	key := d.key(entry.Level)
	if _, err := d.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to store leader in etcd: %w", err)
	}
	d.cache.set(key, &entry)
	return nil
}

// Remove deletes the entry of level only while it still names nodeID, so a
// newer leader published meanwhile is kept
func (d *EtcdDirectory) Remove(ctx context.Context, level models.Level, nodeID string) (bool, error) {
	key := d.key(level)
	resp, err := d.client.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read leader from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}

	kv := resp.Kvs[0]
	var current Entry
	if err := json.Unmarshal(kv.Value, &current); err != nil {
		return false, fmt.Errorf("failed to unmarshal leader entry: %w", err)
	}
	if current.NodeID != nodeID {
		return false, nil
	}

	txn, err := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to delete leader from etcd: %w", err)
	}
	d.cache.delete(key)
	return txn.Succeeded, nil
}

// Lookup returns the published leader of level or ErrNotFound
func (d *EtcdDirectory) Lookup(ctx context.Context, level models.Level) (*Entry, error) {
	key := d.key(level)
	if entry, ok := d.cache.get(key); ok {
		if entry == nil {
			return nil, ErrNotFound
		}
		return entry, nil
	}

	resp, err := d.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get leader from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		d.cache.set(key, nil)
		return nil, ErrNotFound
	}

	var entry Entry
	if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal leader entry: %w", err)
	}
	d.cache.set(key, &entry)
	return &entry, nil
}

// List returns every published leader
func (d *EtcdDirectory) List(ctx context.Context) ([]Entry, error) {
	resp, err := d.client.Get(ctx, d.leadersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list leaders from etcd: %w", err)
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry Entry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			d.logger.Warn("Skipping malformed leader entry", "key", string(kv.Key), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Watch invalidates cached lookups when other writers change the directory
func (d *EtcdDirectory) Watch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	wch := d.client.Watch(ctx, d.leadersPrefix(), clientv3.WithPrefix())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				d.logger.Warn("Directory watch error", "error", err)
				d.cache.deletePrefix(d.leadersPrefix())
				continue
			}
			for _, ev := range resp.Events {
				d.cache.delete(string(ev.Kv.Key))
			}
		}
	}()
}

// Close detaches from the event bus, stops the watch and closes an owned client
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	unsubs, cancel := d.unsubs, d.cancel
	d.unsubs, d.cancel = nil, nil
	d.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	if d.ownClient {
		return d.client.Close()
	}
	return nil
}

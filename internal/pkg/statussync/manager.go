// Package statussync periodically asks the gateways for the SdI outcome of
// transmissions that have not reached a terminal status.
package statussync

import (
	"context"
	"sync"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const lockKey = "taxdesk:statussync:lock"

// Syncer refreshes up to limit pending transmissions.
type Syncer interface {
	SyncPending(ctx context.Context, limit int) (int, error)
}

// Locker keeps two instances from sweeping at the same time.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
}

type Config struct {
	Enabled  bool
	Interval time.Duration
	Batch    int
}

func LoadConfig() Config {
	cfg := Config{
		Enabled:  env.GetBool("STATUS_SYNC_ENABLED", true),
		Interval: env.GetDuration("STATUS_SYNC_INTERVAL", 5*time.Minute),
		Batch:    env.GetInt("STATUS_SYNC_BATCH", 50),
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return cfg
}

// RedisLocker takes a lease that expires on its own, so a crashed instance
// never blocks the others for longer than one interval.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, lockKey, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Manager runs the sync sweep on a ticker.
type Manager struct {
	syncer  Syncer
	cfg     Config
	locker  Locker
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager creates a sweep manager. locker may be nil for a single instance.
func NewManager(syncer Syncer, cfg Config, locker Locker) *Manager {
	return &Manager{syncer: syncer, cfg: cfg, locker: locker}
}

// Start starts the background sweep
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || !m.cfg.Enabled {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	m.ticker = time.NewTicker(m.cfg.Interval)
	m.wg.Add(1)
	go m.worker(m.stopCh, m.ticker)

	log.Infof("[StatusSync] Started (interval: %s, batch: %d)", m.cfg.Interval, m.cfg.Batch)
}

// Stop stops the sweep and waits for a running pass to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[StatusSync] Stopping...")
	m.ticker.Stop()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false
	m.wg.Wait()
	log.Info("[StatusSync] Stopped successfully")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) worker(stopCh chan struct{}, ticker *time.Ticker) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[StatusSync] Worker stopping")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
			if _, err := m.RunOnce(ctx); err != nil {
				log.Errorf("[StatusSync] Sweep error: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce performs a single sweep and returns how many records changed.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	if m.locker != nil {
		ok, err := m.locker.TryLock(ctx, m.cfg.Interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			log.Debug("[StatusSync] Another instance holds the sweep lease")
			return 0, nil
		}
	}
	updated, err := m.syncer.SyncPending(ctx, m.cfg.Batch)
	if updated > 0 {
		log.Infof("[StatusSync] Updated %d transmissions", updated)
	}
	return updated, err
}

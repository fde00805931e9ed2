package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// StatsRefresher recomputes pool statistics. The manager calls it on a
// ticker together with the queue depth refresh.
type StatsRefresher func(ctx context.Context) error

// Manager runs the job queue together with periodic background tasks
type Manager struct {
	queue         *Queue
	refresh       StatsRefresher
	statsInterval time.Duration
	statsTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a manager. refresh may be nil.
func NewManager(queue *Queue, refresh StatsRefresher, statsInterval time.Duration) *Manager {
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}
	return &Manager{
		queue:         queue,
		refresh:       refresh,
		statsInterval: statsInterval,
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.statsTicker = time.NewTicker(m.statsInterval)
	m.wg.Add(1)
	go m.statsWorker(m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.statsTicker != nil {
		m.statsTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) statsWorker(stopCh chan struct{}) {
	defer m.wg.Done()
	m.refreshOnce()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Stats worker stopping")
			return
		case <-m.statsTicker.C:
			m.refreshOnce()
		}
	}
}

func (m *Manager) refreshOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.queue.RecordDepth(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Queue depth refresh error: %v", err)
	}
	if m.refresh == nil {
		return
	}
	if err := m.refresh(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Pool stats refresh error: %v", err)
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

package compaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/mentora/roomsync/internal/crdt"
	"github.com/mentora/roomsync/internal/db"
	"github.com/mentora/roomsync/internal/logging"
	"github.com/mentora/roomsync/internal/metrics"
	"github.com/mentora/roomsync/internal/room"
)

type Config struct {
	Interval        time.Duration
	UpdateThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		UpdateThreshold: 100,
	}
}

// Outcome of compacting one document
type Result struct {
	Key            room.DocKey `json:"-"`
	Compacted      int         `json:"compacted"`
	SnapshotOps    int         `json:"snapshot_ops"`
	SnapshotLength int         `json:"snapshot_bytes"`
}

type Service struct {
	database *db.Database
	config   Config
	metrics  *metrics.Metrics
	logger   logging.Logger
	stop     chan struct{}
	wg       sync.WaitGroup

	// serialises compaction of the same store
	mu sync.Mutex
}

func New(database *db.Database, config Config, m *metrics.Metrics, logger logging.Logger) *Service {
	return &Service{
		database: database,
		config:   config,
		metrics:  m,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infof("compaction service started (interval: %v, threshold: %d updates)",
		s.config.Interval, s.config.UpdateThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAll()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAll()
		}
	}
}

func (s *Service) compactAll() {
	docs, err := s.database.ListDocumentsWithUpdates(s.config.UpdateThreshold)
	if err != nil {
		s.logger.Errorf("compaction: failed to list documents: %v", err)
		return
	}

	compactedCount := 0
	for _, doc := range docs {
		if _, err := s.CompactNow(doc.Key); err != nil {
			s.logger.Errorf("compaction: failed for %s: %v", doc.Key, err)
		} else {
			compactedCount++
		}
	}

	if compactedCount > 0 {
		s.logger.Infof("compacted %d documents", compactedCount)
	}
}

// Folds the snapshot and every logged update of key into a new snapshot
func (s *Service) CompactNow(key room.DocKey) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.compact(key)
	s.metrics.IncCompaction(err)
	return result, err
}

func (s *Service) compact(key room.DocKey) (Result, error) {
	result := Result{Key: key}

	updates, err := s.database.GetUpdates(key)
	if err != nil {
		return result, err
	}
	if len(updates) == 0 {
		return result, nil
	}

	replica := crdt.NewDoc(0)
	snapshot, _, err := s.database.GetSnapshot(key)
	if err != nil {
		return result, err
	}
	if snapshot != nil {
		ops, err := crdt.DecodeUpdate(snapshot)
		if err != nil {
			return result, fmt.Errorf("snapshot of %s: %w", key, err)
		}
		replica.Apply(ops)
	}
	for _, u := range updates {
		ops, err := crdt.DecodeUpdate(u.Data)
		if err != nil {
			return result, fmt.Errorf("update %d of %s: %w", u.ID, key, err)
		}
		replica.Apply(ops)
	}

	// ops still waiting for their causal predecessors only live in the log
	if replica.Pending() > 0 {
		return result, fmt.Errorf("%s has %d ops with missing dependencies", key, replica.Pending())
	}

	ops := replica.Ops()
	merged, err := crdt.EncodeUpdate(ops)
	if err != nil {
		return result, err
	}

	lastID := updates[len(updates)-1].ID
	if err := s.database.ReplaceWithSnapshot(key, merged, len(updates), lastID); err != nil {
		return result, err
	}

	result.Compacted = len(updates)
	result.SnapshotOps = len(ops)
	result.SnapshotLength = len(merged)
	s.logger.Infof("compacted %s: %d updates into a snapshot of %d ops", key, len(updates), len(ops))
	return result, nil
}

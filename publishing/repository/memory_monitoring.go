package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
)

const (
	serverTTL     = time.Minute
	idleWorkerTTL = 2 * time.Minute
)

type MemoryMonitoringStore struct {
	mu sync.RWMutex

	servers map[string]monitoring.ServerInfo
	workers map[string]monitoring.WorkerActivity // key: "serverID:workerID"
	stats   monitoring.GlobalStats
}

func NewMemoryMonitoringStore() *MemoryMonitoringStore {
	return &MemoryMonitoringStore{
		servers: make(map[string]monitoring.ServerInfo),
		workers: make(map[string]monitoring.WorkerActivity),
	}
}

func (s *MemoryMonitoringStore) ReportHeartbeat(ctx context.Context, serverID string, uptime int64, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.servers[serverID] = monitoring.ServerInfo{
		ID:       serverID,
		LastSeen: time.Now(),
		Uptime:   uptime,
		Version:  version,
	}
	return nil
}

func (s *MemoryMonitoringStore) GetActiveServers(ctx context.Context) ([]monitoring.ServerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []monitoring.ServerInfo
	for _, srv := range s.servers {
		if time.Since(srv.LastSeen) < serverTTL {
			active = append(active, srv)
		}
	}
	return active, nil
}

func (s *MemoryMonitoringStore) RemoveServer(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.servers, serverID)
	for key, act := range s.workers {
		if act.ServerID == serverID {
			delete(s.workers, key)
		}
	}
	return nil
}

func (s *MemoryMonitoringStore) UpdateWorkerActivity(ctx context.Context, activity monitoring.WorkerActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity.UpdatedAt = time.Now()
	s.workers[fmt.Sprintf("%s:%d", activity.ServerID, activity.WorkerID)] = activity
	return nil
}

func (s *MemoryMonitoringStore) GetClusterActivity(ctx context.Context) ([]monitoring.WorkerActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []monitoring.WorkerActivity
	for _, act := range s.workers {
		srv, ok := s.servers[act.ServerID]
		if !ok || time.Since(srv.LastSeen) > serverTTL {
			continue
		}
		// Idle workers drop out after a while; busy ones are always shown.
		if !act.IsProcessing && time.Since(act.UpdatedAt) > idleWorkerTTL {
			continue
		}
		result = append(result, act)
	}
	return result, nil
}

func (s *MemoryMonitoringStore) IncrementStat(ctx context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case monitoring.StatProcessed:
		s.stats.TotalProcessed += delta
	case monitoring.StatPublished:
		s.stats.TotalPublished += delta
	case monitoring.StatFailed:
		s.stats.TotalFailed += delta
	case monitoring.StatRetried:
		s.stats.TotalRetried += delta
	case monitoring.StatConflicts:
		s.stats.TotalConflicts += delta
	}
	return nil
}

func (s *MemoryMonitoringStore) UpdateStat(ctx context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == monitoring.StatPending {
		s.stats.TotalPending = value
	}
	return nil
}

func (s *MemoryMonitoringStore) GetGlobalStats(ctx context.Context) (monitoring.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

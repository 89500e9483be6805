package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
)

// ValkeyMonitoringStore implements monitoring.Store using Valkey hashes so
// every node sees the same counters and worker activity.
type ValkeyMonitoringStore struct {
	client *valkey.Client
	prefix string
}

func NewValkeyMonitoringStore(client *valkey.Client) *ValkeyMonitoringStore {
	return &ValkeyMonitoringStore{
		client: client,
		prefix: client.Key("monitoring") + ":",
	}
}

func (s *ValkeyMonitoringStore) serversKey() string { return s.prefix + "servers" }
func (s *ValkeyMonitoringStore) workersKey() string { return s.prefix + "workers" }
func (s *ValkeyMonitoringStore) statsKey() string   { return s.prefix + "stats" }

func (s *ValkeyMonitoringStore) ReportHeartbeat(ctx context.Context, serverID string, uptime int64, version string) error {
	data, err := json.Marshal(monitoring.ServerInfo{
		ID:       serverID,
		LastSeen: time.Now(),
		Uptime:   uptime,
		Version:  version,
	})
	if err != nil {
		return err
	}

	inner := s.client.Inner()
	cmd := inner.B().Hset().Key(s.serversKey()).FieldValue().FieldValue(serverID, string(data)).Build()
	return inner.Do(ctx, cmd).Error()
}

func (s *ValkeyMonitoringStore) GetActiveServers(ctx context.Context) ([]monitoring.ServerInfo, error) {
	inner := s.client.Inner()
	entries, err := inner.Do(ctx, inner.B().Hgetall().Key(s.serversKey()).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}

	var active []monitoring.ServerInfo
	for _, val := range entries {
		var info monitoring.ServerInfo
		if err := json.Unmarshal([]byte(val), &info); err != nil {
			continue
		}
		if time.Since(info.LastSeen) < 2*serverTTL {
			active = append(active, info)
		}
	}
	return active, nil
}

func (s *ValkeyMonitoringStore) RemoveServer(ctx context.Context, serverID string) error {
	inner := s.client.Inner()
	return inner.Do(ctx, inner.B().Hdel().Key(s.serversKey()).Field(serverID).Build()).Error()
}

func (s *ValkeyMonitoringStore) UpdateWorkerActivity(ctx context.Context, activity monitoring.WorkerActivity) error {
	activity.UpdatedAt = time.Now()
	data, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("%s:%d", activity.ServerID, activity.WorkerID)
	inner := s.client.Inner()
	cmd := inner.B().Hset().Key(s.workersKey()).FieldValue().FieldValue(field, string(data)).Build()
	return inner.Do(ctx, cmd).Error()
}

func (s *ValkeyMonitoringStore) GetClusterActivity(ctx context.Context) ([]monitoring.WorkerActivity, error) {
	servers, err := s.GetActiveServers(ctx)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(servers))
	for _, srv := range servers {
		alive[srv.ID] = true
	}

	inner := s.client.Inner()
	entries, err := inner.Do(ctx, inner.B().Hgetall().Key(s.workersKey()).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}

	var result []monitoring.WorkerActivity
	for _, val := range entries {
		var act monitoring.WorkerActivity
		if err := json.Unmarshal([]byte(val), &act); err != nil {
			continue
		}
		if !alive[act.ServerID] {
			continue
		}
		if !act.IsProcessing && time.Since(act.UpdatedAt) > idleWorkerTTL {
			continue
		}
		result = append(result, act)
	}
	return result, nil
}

func (s *ValkeyMonitoringStore) IncrementStat(ctx context.Context, key string, delta int64) error {
	inner := s.client.Inner()
	return inner.Do(ctx, inner.B().Hincrby().Key(s.statsKey()).Field(key).Increment(delta).Build()).Error()
}

func (s *ValkeyMonitoringStore) UpdateStat(ctx context.Context, key string, value int64) error {
	inner := s.client.Inner()
	cmd := inner.B().Hset().Key(s.statsKey()).FieldValue().FieldValue(key, fmt.Sprintf("%d", value)).Build()
	return inner.Do(ctx, cmd).Error()
}

func (s *ValkeyMonitoringStore) GetGlobalStats(ctx context.Context) (monitoring.GlobalStats, error) {
	inner := s.client.Inner()
	res, err := inner.Do(ctx, inner.B().Hgetall().Key(s.statsKey()).Build()).AsIntMap()
	if err != nil {
		return monitoring.GlobalStats{}, err
	}

	return monitoring.GlobalStats{
		TotalProcessed: res[monitoring.StatProcessed],
		TotalPublished: res[monitoring.StatPublished],
		TotalFailed:    res[monitoring.StatFailed],
		TotalRetried:   res[monitoring.StatRetried],
		TotalConflicts: res[monitoring.StatConflicts],
		TotalPending:   res[monitoring.StatPending],
		ValkeyEnabled:  true,
	}, nil
}

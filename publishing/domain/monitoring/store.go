package monitoring

import (
	"context"
	"time"
)

// Stat keys shared by the dispatcher and the monitoring stores.
const (
	StatProcessed = "processed"
	StatPublished = "published"
	StatFailed    = "failed"
	StatRetried   = "retried"
	StatConflicts = "conflicts"
	StatPending   = "pending"
)

// ServerInfo represents the status of a node in the cluster
type ServerInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	Uptime   int64     `json:"uptime_seconds"`
	Version  string    `json:"version"`
}

// WorkerActivity represents what a dispatch worker is doing
type WorkerActivity struct {
	ServerID     string    `json:"server_id"`
	WorkerID     int       `json:"worker_id"`
	IsProcessing bool      `json:"is_processing"`
	PostID       string    `json:"post_id,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type GlobalStats struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalPublished int64 `json:"total_published"`
	TotalFailed    int64 `json:"total_failed"`
	TotalRetried   int64 `json:"total_retried"`
	TotalConflicts int64 `json:"total_conflicts"`
	TotalPending   int64 `json:"total_pending"`

	ValkeyEnabled bool `json:"valkey_enabled"`
}

// Store defines the contract for node heartbeats and dispatch metrics
type Store interface {
	ReportHeartbeat(ctx context.Context, serverID string, uptime int64, version string) error
	GetActiveServers(ctx context.Context) ([]ServerInfo, error)
	RemoveServer(ctx context.Context, serverID string) error

	UpdateWorkerActivity(ctx context.Context, activity WorkerActivity) error
	GetClusterActivity(ctx context.Context) ([]WorkerActivity, error)

	IncrementStat(ctx context.Context, key string, delta int64) error
	UpdateStat(ctx context.Context, key string, value int64) error
	GetGlobalStats(ctx context.Context) (GlobalStats, error)
}

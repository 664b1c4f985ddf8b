package model

import "time"

// PoolStats represents worker pool performance statistics
type PoolStats struct {
	PoolID      string    `json:"pool_id"`
	Workers     int       `json:"workers"`
	Busy        int       `json:"busy"`
	Processed   int64     `json:"processed"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// PipelineMetrics is the periodic snapshot published by the metrics collector
type PipelineMetrics struct {
	Timestamp   time.Time   `json:"timestamp"`
	Queue       QueueStats  `json:"queue"`
	Pool        PoolStats   `json:"pool"`
	Remote      []PoolStats `json:"remote,omitempty"`
	Subscribers int         `json:"subscribers"`
}

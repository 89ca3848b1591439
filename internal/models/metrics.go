package models

import "time"

// SystemMetrics is a point-in-time view of process counters.
type SystemMetrics struct {
	RequestsTotal uint64    `json:"requests_total"`
	CacheHits     uint64    `json:"cache_hits"`
	CacheMisses   uint64    `json:"cache_misses"`
	CacheHitRatio float64   `json:"cache_hit_ratio"`
	CheckIns      uint64    `json:"check_ins"`
	Goroutines    int       `json:"goroutines"`
	GeneratedAt   time.Time `json:"generated_at"`
}

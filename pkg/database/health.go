package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports database connectivity and connection pool stats,
// grounded on the teacher's pkg/database/health.go.
type HealthStatus struct {
	Status          string  `json:"status"`
	ResponseTime    float64 `json:"response_time_ms"`
	OpenConnections int     `json:"open_connections"`
	InUse           int     `json:"in_use"`
	Idle            int     `json:"idle"`
}

// Health pings db and reports its current pool statistics.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: msSince(start)}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    msSince(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
	}, nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Manager owns the archive connection pool
type Manager struct {
	db     *sqlx.DB
	config Config
}

// NewManager opens and pings the database. A disabled config yields a
// manager with no connection.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{config: config}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{db: db, config: config}, nil
}

// NewManagerWithDB wraps an already open connection
func NewManagerWithDB(db *sqlx.DB, config Config) *Manager {
	config.Enabled = true
	return &Manager{db: db, config: config}
}

// DB returns the underlying connection, nil when disabled
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// QueryTimeout bounds each archive statement
func (m *Manager) QueryTimeout() time.Duration {
	if m.config.QueryTimeout <= 0 {
		return DefaultConfig().QueryTimeout
	}
	return m.config.QueryTimeout
}

// IsEnabled returns whether the archive is usable
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// HealthCheck is a point-in-time view of the pool
type HealthCheck struct {
	Enabled        bool           `json:"enabled"`
	Healthy        bool           `json:"healthy"`
	Error          string         `json:"error,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool,omitempty"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// Health pings the database and reports pool statistics
func (m *Manager) Health(ctx context.Context) HealthCheck {
	if !m.IsEnabled() {
		return HealthCheck{Healthy: true}
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, m.QueryTimeout())
	defer cancel()

	check := HealthCheck{Enabled: true, Healthy: true}
	if err := m.db.PingContext(pingCtx); err != nil {
		check.Healthy = false
		check.Error = fmt.Sprintf("ping failed: %v", err)
	}

	stats := m.db.Stats()
	check.ConnectionPool = map[string]int{
		"max_open":   stats.MaxOpenConnections,
		"open":       stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": int(stats.WaitCount),
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}

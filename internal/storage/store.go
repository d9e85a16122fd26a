// Package storage persists beacon history and operational events.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidDriver = errors.New("invalid storage driver")
)

// Store defines the storage interface
type Store interface {
	// Beacon methods
	SaveBeacon(ctx context.Context, record models.BeaconRecord) error
	RecentBeacons(ctx context.Context, limit int) ([]models.BeaconRecord, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event models.Event) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit int) ([]models.Event, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Type  *models.EventType
	Level *models.EventLevel
	Since *time.Time
}

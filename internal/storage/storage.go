// Package storage persists scenario reports.
package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/faultinjector/pkg/types"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("scenario run not found")

// Storage defines the persistence interface for scenario history.
type Storage interface {
	// SaveRun inserts or replaces a run and its step log.
	SaveRun(ctx context.Context, report *types.Report) error

	// GetRun returns a run with its steps, or nil if it does not exist.
	GetRun(ctx context.Context, id string) (*types.Report, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}

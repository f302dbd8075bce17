package storage

import (
	"errors"

	"github.com/foamflask/foamflask/pkg/types"
)

// ErrNotFound is returned when a run or settings record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for persisted server state
type Store interface {
	// Runs
	CreateRun(run *types.Run) error
	GetRun(id string) (*types.Run, error)
	ListRuns() ([]*types.Run, error)
	ListRunsByCase(caseName string) ([]*types.Run, error)
	UpdateRun(run *types.Run) error
	DeleteRun(id string) error

	// Settings
	GetSettings(caseName string) (*types.Settings, error)
	SaveSettings(settings *types.Settings) error
	DeleteSettings(caseName string) error

	// Utility
	Close() error
}

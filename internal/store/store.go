// Package store persists token and project records. Three backends share one
// interface: a JSON file-per-token store, a PostgreSQL store, and an
// S3-compatible object store that mirrors the file store into a bucket.
package store

import (
	"context"
	"errors"

	"github.com/yuunie/flow2api/internal/models"
)

// ErrTokenNotFound is returned when no token exists for the given id.
var ErrTokenNotFound = errors.New("store: token not found")

// ErrDuplicateSession is returned by AddToken when another token already
// carries the same session credential.
var ErrDuplicateSession = errors.New("store: session token already registered")

// Store is the persistence surface the lifecycle manager and the management
// API operate against. All timestamps are stored and compared as UTC;
// zoneless values read back from a backend are interpreted as UTC.
type Store interface {
	GetToken(ctx context.Context, id int64) (*models.Token, error)
	GetAllTokens(ctx context.Context) ([]*models.Token, error)
	GetActiveTokens(ctx context.Context) ([]*models.Token, error)

	// AddToken assigns an id and persists the record.
	AddToken(ctx context.Context, token *models.Token) (int64, error)
	// UpdateToken applies a partial mutation to the stored record.
	UpdateToken(ctx context.Context, id int64, update models.TokenUpdate) error
	DeleteToken(ctx context.Context, id int64) error

	AddProject(ctx context.Context, project *models.Project) error
	GetProjectByToken(ctx context.Context, tokenID int64) (*models.Project, error)

	// IncrementStats bumps a usage counter; StatUse also stamps LastUsedAt,
	// StatError bumps the total, today and consecutive counters together.
	IncrementStats(ctx context.Context, id int64, kind models.StatKind) error
	// ResetErrorCount clears only the consecutive error counter.
	ResetErrorCount(ctx context.Context, id int64) error

	GetAdminConfig(ctx context.Context) (*models.AdminConfig, error)
	SaveAdminConfig(ctx context.Context, cfg *models.AdminConfig) error

	Close() error
}

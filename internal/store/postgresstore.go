package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/yuunie/flow2api/internal/models"
)

// PostgresStoreConfig captures configuration required to initialize a
// Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
}

// PostgresStore persists token and project records in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore establishes a connection to PostgreSQL and verifies it.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.DSN = trimmedDSN

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{db: db, cfg: cfg}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the required tables (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			access_token TEXT NOT NULL DEFAULT '',
			access_token_expires_at TIMESTAMPTZ,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			remark TEXT NOT NULL DEFAULT '',
			image_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			video_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			image_concurrency INTEGER NOT NULL DEFAULT 0,
			video_concurrency INTEGER NOT NULL DEFAULT 0,
			project_id TEXT NOT NULL DEFAULT '',
			use_count BIGINT NOT NULL DEFAULT 0,
			image_count BIGINT NOT NULL DEFAULT 0,
			video_count BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ,
			error_count INTEGER NOT NULL DEFAULT 0,
			today_error_count INTEGER NOT NULL DEFAULT 0,
			consecutive_error_count INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			ban_reason TEXT NOT NULL DEFAULT '',
			banned_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.tableName("tokens"))); err != nil {
		return fmt.Errorf("postgres store: create tokens table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			project_id TEXT PRIMARY KEY,
			token_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.tableName("projects"))); err != nil {
		return fmt.Errorf("postgres store: create projects table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			error_ban_threshold INTEGER NOT NULL DEFAULT %d
		)
	`, s.tableName("admin_config"), models.DefaultErrorBanThreshold)); err != nil {
		return fmt.Errorf("postgres store: create admin_config table: %w", err)
	}
	return nil
}

const tokenColumns = `id, session_token, access_token, access_token_expires_at, email, name, remark,
	image_enabled, video_enabled, image_concurrency, video_concurrency, project_id,
	use_count, image_count, video_count, last_used_at,
	error_count, today_error_count, consecutive_error_count,
	is_active, ban_reason, banned_at, created_at, updated_at`

// GetToken loads a single token record.
func (s *PostgresStore) GetToken(ctx context.Context, id int64) (*models.Token, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", tokenColumns, s.tableName("tokens"))
	row := s.db.QueryRowContext(ctx, query, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	return tok, err
}

// GetAllTokens returns every stored token ordered by id.
func (s *PostgresStore) GetAllTokens(ctx context.Context) ([]*models.Token, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", tokenColumns, s.tableName("tokens"))
	return s.queryTokens(ctx, query)
}

// GetActiveTokens returns tokens with is_active set, ordered by id.
func (s *PostgresStore) GetActiveTokens(ctx context.Context) ([]*models.Token, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE is_active ORDER BY id", tokenColumns, s.tableName("tokens"))
	return s.queryTokens(ctx, query)
}

// AddToken inserts a record and returns the generated id.
func (s *PostgresStore) AddToken(ctx context.Context, token *models.Token) (int64, error) {
	if token == nil {
		return 0, fmt.Errorf("postgres store: token is nil")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (session_token, access_token, access_token_expires_at, email, name, remark,
			image_enabled, video_enabled, image_concurrency, video_concurrency, project_id,
			is_active, ban_reason, banned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_token) DO NOTHING
		RETURNING id, created_at, updated_at
	`, s.tableName("tokens"))
	row := s.db.QueryRowContext(ctx, query,
		token.SessionToken, token.AccessToken, nullableTime(token.AccessTokenExpiresAt),
		token.Email, token.Name, token.Remark,
		token.ImageEnabled, token.VideoEnabled, token.ImageConcurrency, token.VideoConcurrency,
		token.ProjectID, token.IsActive, token.BanReason, nullableTime(token.BannedAt))
	var createdAt, updatedAt time.Time
	if err := row.Scan(&token.ID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDuplicateSession
		}
		return 0, fmt.Errorf("postgres store: insert token: %w", err)
	}
	token.CreatedAt = createdAt.UTC()
	token.UpdatedAt = updatedAt.UTC()
	return token.ID, nil
}

// UpdateToken applies a partial mutation to a single row.
func (s *PostgresStore) UpdateToken(ctx context.Context, id int64, update models.TokenUpdate) error {
	sets := make([]string, 0, 16)
	args := make([]any, 0, 16)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.SessionToken != nil {
		add("session_token", *update.SessionToken)
	}
	if update.Access != nil {
		add("access_token", update.Access.Token)
		add("access_token_expires_at", update.Access.ExpiresAt.UTC())
	}
	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.Remark != nil {
		add("remark", *update.Remark)
	}
	if update.ImageEnabled != nil {
		add("image_enabled", *update.ImageEnabled)
	}
	if update.VideoEnabled != nil {
		add("video_enabled", *update.VideoEnabled)
	}
	if update.ImageConcurrency != nil {
		add("image_concurrency", *update.ImageConcurrency)
	}
	if update.VideoConcurrency != nil {
		add("video_concurrency", *update.VideoConcurrency)
	}
	if update.ProjectID != nil {
		add("project_id", *update.ProjectID)
	}
	if update.IsActive != nil {
		add("is_active", *update.IsActive)
	}
	if update.BanReason != nil {
		add("ban_reason", *update.BanReason)
	}
	if update.BannedAt != nil {
		add("banned_at", update.BannedAt.UTC())
	}
	if update.ClearBan {
		sets = append(sets, "ban_reason = ''", "banned_at = NULL")
	}
	if update.ConsecutiveErrorCount != nil {
		add("consecutive_error_count", *update.ConsecutiveErrorCount)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", s.tableName("tokens"), strings.Join(sets, ", "), len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres store: update token: %w", err)
	}
	return requireRow(result)
}

// DeleteToken removes a token and its project bindings.
func (s *PostgresStore) DeleteToken(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tableName("tokens")), id)
	if err != nil {
		return fmt.Errorf("postgres store: delete token: %w", err)
	}
	if err = requireRow(result); err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE token_id = $1", s.tableName("projects")), id); err != nil {
		return fmt.Errorf("postgres store: delete token projects: %w", err)
	}
	return nil
}

// AddProject upserts a project binding.
func (s *PostgresStore) AddProject(ctx context.Context, project *models.Project) error {
	if project == nil || strings.TrimSpace(project.ProjectID) == "" {
		return fmt.Errorf("postgres store: project id is required")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, token_id, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id)
		DO UPDATE SET token_id = EXCLUDED.token_id, name = EXCLUDED.name
	`, s.tableName("projects"))
	if _, err := s.db.ExecContext(ctx, query, project.ProjectID, project.TokenID, project.Name); err != nil {
		return fmt.Errorf("postgres store: upsert project: %w", err)
	}
	return nil
}

// GetProjectByToken returns the newest project bound to the token.
func (s *PostgresStore) GetProjectByToken(ctx context.Context, tokenID int64) (*models.Project, error) {
	query := fmt.Sprintf(`
		SELECT project_id, token_id, name, created_at FROM %s
		WHERE token_id = $1 ORDER BY created_at DESC LIMIT 1
	`, s.tableName("projects"))
	project := &models.Project{}
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, query, tokenID).Scan(&project.ProjectID, &project.TokenID, &project.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load project: %w", err)
	}
	project.CreatedAt = createdAt.UTC()
	return project, nil
}

// IncrementStats bumps one of the usage counters in a single statement.
func (s *PostgresStore) IncrementStats(ctx context.Context, id int64, kind models.StatKind) error {
	var set string
	switch kind {
	case models.StatUse:
		set = "use_count = use_count + 1, last_used_at = NOW()"
	case models.StatImage:
		set = "image_count = image_count + 1"
	case models.StatVideo:
		set = "video_count = video_count + 1"
	case models.StatError:
		set = "error_count = error_count + 1, today_error_count = today_error_count + 1, consecutive_error_count = consecutive_error_count + 1"
	default:
		return fmt.Errorf("postgres store: unknown stat kind %q", kind)
	}
	query := fmt.Sprintf("UPDATE %s SET %s, updated_at = NOW() WHERE id = $1", s.tableName("tokens"), set)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres store: increment stats: %w", err)
	}
	return requireRow(result)
}

// ResetErrorCount clears only the consecutive error counter.
func (s *PostgresStore) ResetErrorCount(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET consecutive_error_count = 0, updated_at = NOW() WHERE id = $1", s.tableName("tokens"))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres store: reset error count: %w", err)
	}
	return requireRow(result)
}

// GetAdminConfig loads admin settings, falling back to defaults.
func (s *PostgresStore) GetAdminConfig(ctx context.Context) (*models.AdminConfig, error) {
	query := fmt.Sprintf("SELECT error_ban_threshold FROM %s WHERE id = 1", s.tableName("admin_config"))
	cfg := &models.AdminConfig{}
	err := s.db.QueryRowContext(ctx, query).Scan(&cfg.ErrorBanThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.AdminConfig{ErrorBanThreshold: models.DefaultErrorBanThreshold}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load admin config: %w", err)
	}
	if cfg.ErrorBanThreshold <= 0 {
		cfg.ErrorBanThreshold = models.DefaultErrorBanThreshold
	}
	return cfg, nil
}

// SaveAdminConfig persists admin settings.
func (s *PostgresStore) SaveAdminConfig(ctx context.Context, cfg *models.AdminConfig) error {
	if cfg == nil {
		return fmt.Errorf("postgres store: admin config is nil")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, error_ban_threshold) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET error_ban_threshold = EXCLUDED.error_ban_threshold
	`, s.tableName("admin_config"))
	if _, err := s.db.ExecContext(ctx, query, cfg.ErrorBanThreshold); err != nil {
		return fmt.Errorf("postgres store: save admin config: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryTokens(ctx context.Context, query string, args ...any) ([]*models.Token, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]*models.Token, 0, 32)
	for rows.Next() {
		tok, errScan := scanToken(rows)
		if errScan != nil {
			return nil, errScan
		}
		tokens = append(tokens, tok)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate token rows: %w", err)
	}
	return tokens, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.Token, error) {
	tok := &models.Token{}
	var (
		accessExpires sql.NullTime
		lastUsed      sql.NullTime
		bannedAt      sql.NullTime
		createdAt     time.Time
		updatedAt     time.Time
	)
	err := row.Scan(
		&tok.ID, &tok.SessionToken, &tok.AccessToken, &accessExpires,
		&tok.Email, &tok.Name, &tok.Remark,
		&tok.ImageEnabled, &tok.VideoEnabled, &tok.ImageConcurrency, &tok.VideoConcurrency,
		&tok.ProjectID,
		&tok.UseCount, &tok.ImageCount, &tok.VideoCount, &lastUsed,
		&tok.ErrorCount, &tok.TodayErrorCount, &tok.ConsecutiveErrorCount,
		&tok.IsActive, &tok.BanReason, &bannedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres store: scan token row: %w", err)
	}
	if accessExpires.Valid {
		t := accessExpires.Time.UTC()
		tok.AccessTokenExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		tok.LastUsedAt = &t
	}
	if bannedAt.Valid {
		t := bannedAt.Time.UTC()
		tok.BannedAt = &t
	}
	tok.CreatedAt = createdAt.UTC()
	tok.UpdatedAt = updatedAt.UTC()
	return tok, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres store: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *PostgresStore) tableName(name string) string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(name)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(name)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}

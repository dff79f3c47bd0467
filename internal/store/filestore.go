package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuunie/flow2api/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	fileStoreTokenDir   = "tokens"
	fileStoreProjectDir = "projects"
	fileStoreAdminFile  = "admin.json"
)

// FileTokenStore persists each token as a JSON file under a base directory.
// Writes go through a temp file plus rename so a crash never leaves a
// half-written record behind.
type FileTokenStore struct {
	baseDir string
	mu      sync.Mutex
	nextID  int64
}

// NewFileTokenStore creates the directory layout and scans existing records
// to resume id assignment.
func NewFileTokenStore(baseDir string) (*FileTokenStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("file store: base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("file store: resolve base directory: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, fileStoreTokenDir), filepath.Join(abs, fileStoreProjectDir)} {
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("file store: create directory %s: %w", dir, err)
		}
	}
	s := &FileTokenStore{baseDir: abs, nextID: 1}
	tokens, err := s.listTokens()
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		if tok.ID >= s.nextID {
			s.nextID = tok.ID + 1
		}
	}
	return s, nil
}

// BaseDir exposes the managed directory.
func (s *FileTokenStore) BaseDir() string { return s.baseDir }

// Close is a no-op for the file-backed store.
func (s *FileTokenStore) Close() error { return nil }

func (s *FileTokenStore) tokenPath(id int64) string {
	return filepath.Join(s.baseDir, fileStoreTokenDir, fmt.Sprintf("token-%d.json", id))
}

func (s *FileTokenStore) projectPath(projectID string) string {
	name := strings.ReplaceAll(projectID, string(os.PathSeparator), "_")
	return filepath.Join(s.baseDir, fileStoreProjectDir, name+".json")
}

// GetToken loads a single token record.
func (s *FileTokenStore) GetToken(_ context.Context, id int64) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readToken(id)
}

// GetAllTokens returns every stored token ordered by id.
func (s *FileTokenStore) GetAllTokens(_ context.Context) ([]*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTokens()
}

// GetActiveTokens returns tokens with IsActive set, ordered by id.
func (s *FileTokenStore) GetActiveTokens(_ context.Context) ([]*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.listTokens()
	if err != nil {
		return nil, err
	}
	active := tokens[:0]
	for _, tok := range tokens {
		if tok.IsActive {
			active = append(active, tok)
		}
	}
	return active, nil
}

// AddToken assigns the next id and persists the record. Registration of a
// session credential already present in the store is rejected.
func (s *FileTokenStore) AddToken(_ context.Context, token *models.Token) (int64, error) {
	if token == nil {
		return 0, fmt.Errorf("file store: token is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.listTokens()
	if err != nil {
		return 0, err
	}
	for _, tok := range existing {
		if tok.SessionToken == token.SessionToken {
			return 0, ErrDuplicateSession
		}
	}

	now := time.Now().UTC()
	token.ID = s.nextID
	token.CreatedAt = now
	token.UpdatedAt = now
	token.NormalizeTimes()
	if err = s.writeToken(token); err != nil {
		return 0, err
	}
	s.nextID++
	return token.ID, nil
}

// UpdateToken applies a partial mutation to a stored record.
func (s *FileTokenStore) UpdateToken(_ context.Context, id int64, update models.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.readToken(id)
	if err != nil {
		return err
	}
	update.Apply(tok, time.Now())
	return s.writeToken(tok)
}

// DeleteToken removes the token record and its project bindings.
func (s *FileTokenStore) DeleteToken(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.tokenPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("file store: delete token file: %w", err)
	}
	projects, err := s.listProjects()
	if err != nil {
		return err
	}
	for _, project := range projects {
		if project.TokenID != id {
			continue
		}
		if errRemove := os.Remove(s.projectPath(project.ProjectID)); errRemove != nil && !errors.Is(errRemove, fs.ErrNotExist) {
			log.WithError(errRemove).Warnf("file store: failed to remove project %s", project.ProjectID)
		}
	}
	return nil
}

// AddProject persists a project binding.
func (s *FileTokenStore) AddProject(_ context.Context, project *models.Project) error {
	if project == nil || strings.TrimSpace(project.ProjectID) == "" {
		return fmt.Errorf("file store: project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	project.CreatedAt = project.CreatedAt.UTC()
	raw, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal project: %w", err)
	}
	return s.atomicWrite(s.projectPath(project.ProjectID), raw)
}

// GetProjectByToken returns the newest project bound to the token.
func (s *FileTokenStore) GetProjectByToken(_ context.Context, tokenID int64) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.listProjects()
	if err != nil {
		return nil, err
	}
	var newest *models.Project
	for _, project := range projects {
		if project.TokenID != tokenID {
			continue
		}
		if newest == nil || project.CreatedAt.After(newest.CreatedAt) {
			newest = project
		}
	}
	return newest, nil
}

// IncrementStats bumps one of the usage counters.
func (s *FileTokenStore) IncrementStats(_ context.Context, id int64, kind models.StatKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.readToken(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch kind {
	case models.StatUse:
		tok.UseCount++
		tok.LastUsedAt = &now
	case models.StatImage:
		tok.ImageCount++
	case models.StatVideo:
		tok.VideoCount++
	case models.StatError:
		tok.ErrorCount++
		tok.TodayErrorCount++
		tok.ConsecutiveErrorCount++
	default:
		return fmt.Errorf("file store: unknown stat kind %q", kind)
	}
	tok.UpdatedAt = now
	return s.writeToken(tok)
}

// ResetErrorCount clears only the consecutive error counter.
func (s *FileTokenStore) ResetErrorCount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.readToken(id)
	if err != nil {
		return err
	}
	if tok.ConsecutiveErrorCount == 0 {
		return nil
	}
	tok.ConsecutiveErrorCount = 0
	tok.UpdatedAt = time.Now().UTC()
	return s.writeToken(tok)
}

// GetAdminConfig loads admin settings, falling back to defaults when none
// have been saved.
func (s *FileTokenStore) GetAdminConfig(_ context.Context) (*models.AdminConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, fileStoreAdminFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &models.AdminConfig{ErrorBanThreshold: models.DefaultErrorBanThreshold}, nil
		}
		return nil, fmt.Errorf("file store: read admin config: %w", err)
	}
	cfg := &models.AdminConfig{}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("file store: parse admin config: %w", err)
	}
	if cfg.ErrorBanThreshold <= 0 {
		cfg.ErrorBanThreshold = models.DefaultErrorBanThreshold
	}
	return cfg, nil
}

// SaveAdminConfig persists admin settings.
func (s *FileTokenStore) SaveAdminConfig(_ context.Context, cfg *models.AdminConfig) error {
	if cfg == nil {
		return fmt.Errorf("file store: admin config is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal admin config: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.baseDir, fileStoreAdminFile), raw)
}

func (s *FileTokenStore) readToken(id int64) (*models.Token, error) {
	data, err := os.ReadFile(s.tokenPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("file store: read token %d: %w", id, err)
	}
	tok := &models.Token{}
	if err = json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("file store: parse token %d: %w", id, err)
	}
	tok.NormalizeTimes()
	return tok, nil
}

func (s *FileTokenStore) writeToken(tok *models.Token) error {
	raw, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal token %d: %w", tok.ID, err)
	}
	path := s.tokenPath(tok.ID)
	if existing, errRead := os.ReadFile(path); errRead == nil {
		if jsonEqual(existing, raw) {
			return nil
		}
	} else if !errors.Is(errRead, fs.ErrNotExist) {
		return fmt.Errorf("file store: read existing token %d: %w", tok.ID, errRead)
	}
	return s.atomicWrite(path, raw)
}

func (s *FileTokenStore) atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("file store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("file store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileTokenStore) listTokens() ([]*models.Token, error) {
	dir := filepath.Join(s.baseDir, fileStoreTokenDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: list tokens: %w", err)
	}
	tokens := make([]*models.Token, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		data, errRead := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errRead != nil {
			log.WithError(errRead).Warnf("file store: skip unreadable token file %s", entry.Name())
			continue
		}
		tok := &models.Token{}
		if errParse := json.Unmarshal(data, tok); errParse != nil {
			log.WithError(errParse).Warnf("file store: skip invalid token file %s", entry.Name())
			continue
		}
		tok.NormalizeTimes()
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].ID < tokens[j].ID })
	return tokens, nil
}

func (s *FileTokenStore) listProjects() ([]*models.Project, error) {
	dir := filepath.Join(s.baseDir, fileStoreProjectDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: list projects: %w", err)
	}
	projects := make([]*models.Project, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		data, errRead := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errRead != nil {
			log.WithError(errRead).Warnf("file store: skip unreadable project file %s", entry.Name())
			continue
		}
		project := &models.Project{}
		if errParse := json.Unmarshal(data, project); errParse != nil {
			log.WithError(errParse).Warnf("file store: skip invalid project file %s", entry.Name())
			continue
		}
		project.CreatedAt = project.CreatedAt.UTC()
		projects = append(projects, project)
	}
	return projects, nil
}

// jsonEqual reports whether two JSON payloads carry the same value,
// ignoring formatting differences.
func jsonEqual(a, b []byte) bool {
	var objA, objB any
	if err := json.Unmarshal(bytes.TrimSpace(a), &objA); err != nil {
		return false
	}
	if err := json.Unmarshal(bytes.TrimSpace(b), &objB); err != nil {
		return false
	}
	normA, err := json.Marshal(objA)
	if err != nil {
		return false
	}
	normB, err := json.Marshal(objB)
	if err != nil {
		return false
	}
	return bytes.Equal(normA, normB)
}

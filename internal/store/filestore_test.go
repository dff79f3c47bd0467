package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yuunie/flow2api/internal/models"
)

func newFileStore(t *testing.T) *FileTokenStore {
	t.Helper()
	s, err := NewFileTokenStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTokenStore: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func TestFileStoreAddAndGetToken(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	id, err := s.AddToken(ctx, &models.Token{SessionToken: "st-1", Email: "a@example.com", IsActive: true})
	if err != nil {
		t.Fatalf("AddToken: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d", id)
	}

	tok, err := s.GetToken(ctx, id)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.SessionToken != "st-1" || tok.Email != "a@example.com" || !tok.IsActive {
		t.Fatalf("round trip = %+v", tok)
	}
	if tok.CreatedAt.IsZero() || tok.CreatedAt.Location() != time.UTC {
		t.Fatalf("created at = %v", tok.CreatedAt)
	}
}

func TestFileStoreRejectsDuplicateSession(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	if _, err := s.AddToken(ctx, &models.Token{SessionToken: "st-dup"}); err != nil {
		t.Fatalf("AddToken: %v", err)
	}
	_, err := s.AddToken(ctx, &models.Token{SessionToken: "st-dup"})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestFileStoreGetMissingToken(t *testing.T) {
	s := newFileStore(t)
	if _, err := s.GetToken(context.Background(), 99); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
	if err := s.DeleteToken(context.Background(), 99); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("delete err = %v, want ErrTokenNotFound", err)
	}
}

func TestFileStoreResumesIDAssignment(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileTokenStore(dir)
	if err != nil {
		t.Fatalf("NewFileTokenStore: %v", err)
	}
	ctx := context.Background()
	for _, st := range []string{"st-1", "st-2", "st-3"} {
		if _, err = s.AddToken(ctx, &models.Token{SessionToken: st}); err != nil {
			t.Fatalf("AddToken: %v", err)
		}
	}

	reopened, err := NewFileTokenStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, err := reopened.AddToken(ctx, &models.Token{SessionToken: "st-4"})
	if err != nil {
		t.Fatalf("AddToken after reopen: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after reopen = %d, want 4", id)
	}
}

func TestFileStoreUpdateToken(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1", IsActive: true})
	expires := time.Date(2026, 8, 28, 15, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	err := s.UpdateToken(ctx, id, models.TokenUpdate{
		Access: &models.AccessCredential{Token: "at-1", ExpiresAt: expires},
		Remark: strPtr("primary"),
	})
	if err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}

	tok, _ := s.GetToken(ctx, id)
	if tok.AccessToken != "at-1" || tok.Remark != "primary" {
		t.Fatalf("updated token = %+v", tok)
	}
	if tok.AccessTokenExpiresAt == nil || tok.AccessTokenExpiresAt.Location() != time.UTC {
		t.Fatalf("expiry not normalized: %v", tok.AccessTokenExpiresAt)
	}
	if !tok.AccessTokenExpiresAt.Equal(expires) {
		t.Fatalf("expiry = %v, want %v", tok.AccessTokenExpiresAt, expires)
	}
}

func TestFileStoreClearBan(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1"})
	now := time.Now().UTC()
	reason := models.BanReasonRateLimited
	inactive := false
	if err := s.UpdateToken(ctx, id, models.TokenUpdate{IsActive: &inactive, BanReason: &reason, BannedAt: &now}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := s.UpdateToken(ctx, id, models.TokenUpdate{ClearBan: true}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	tok, _ := s.GetToken(ctx, id)
	if tok.BanReason != "" || tok.BannedAt != nil {
		t.Fatalf("ban not cleared: %+v", tok)
	}
}

func TestFileStoreGetActiveTokens(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	s.AddToken(ctx, &models.Token{SessionToken: "st-1", IsActive: true})
	s.AddToken(ctx, &models.Token{SessionToken: "st-2", IsActive: false})
	s.AddToken(ctx, &models.Token{SessionToken: "st-3", IsActive: true})

	active, err := s.GetActiveTokens(ctx)
	if err != nil {
		t.Fatalf("GetActiveTokens: %v", err)
	}
	if len(active) != 2 || active[0].ID != 1 || active[1].ID != 3 {
		t.Fatalf("active = %+v", active)
	}
}

func TestFileStoreIncrementStats(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1"})

	for _, kind := range []models.StatKind{models.StatUse, models.StatImage, models.StatVideo, models.StatError, models.StatError} {
		if err := s.IncrementStats(ctx, id, kind); err != nil {
			t.Fatalf("IncrementStats(%s): %v", kind, err)
		}
	}

	tok, _ := s.GetToken(ctx, id)
	if tok.UseCount != 1 || tok.ImageCount != 1 || tok.VideoCount != 1 {
		t.Fatalf("usage counters = %+v", tok)
	}
	if tok.ErrorCount != 2 || tok.TodayErrorCount != 2 || tok.ConsecutiveErrorCount != 2 {
		t.Fatalf("error counters = %+v", tok)
	}
	if tok.LastUsedAt == nil {
		t.Fatal("LastUsedAt not stamped")
	}

	if err := s.ResetErrorCount(ctx, id); err != nil {
		t.Fatalf("ResetErrorCount: %v", err)
	}
	tok, _ = s.GetToken(ctx, id)
	if tok.ConsecutiveErrorCount != 0 {
		t.Fatal("consecutive count not reset")
	}
	if tok.ErrorCount != 2 || tok.TodayErrorCount != 2 {
		t.Fatal("reset touched the cumulative counters")
	}
}

func TestFileStoreUnknownStatKind(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1"})
	if err := s.IncrementStats(ctx, id, models.StatKind("bogus")); err == nil {
		t.Fatal("expected error for unknown stat kind")
	}
}

func TestFileStoreProjectBinding(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1"})

	older := time.Now().UTC().Add(-time.Hour)
	if err := s.AddProject(ctx, &models.Project{ProjectID: "proj-old", TokenID: id, CreatedAt: older}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if err := s.AddProject(ctx, &models.Project{ProjectID: "proj-new", TokenID: id}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}

	project, err := s.GetProjectByToken(ctx, id)
	if err != nil {
		t.Fatalf("GetProjectByToken: %v", err)
	}
	if project == nil || project.ProjectID != "proj-new" {
		t.Fatalf("newest project = %+v", project)
	}

	if project, _ = s.GetProjectByToken(ctx, 42); project != nil {
		t.Fatalf("unbound token returned project %+v", project)
	}
}

func TestFileStoreDeleteTokenRemovesProjects(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	id, _ := s.AddToken(ctx, &models.Token{SessionToken: "st-1"})
	s.AddProject(ctx, &models.Project{ProjectID: "proj-1", TokenID: id})

	if err := s.DeleteToken(ctx, id); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if _, err := s.GetToken(ctx, id); !errors.Is(err, ErrTokenNotFound) {
		t.Fatal("token survived delete")
	}
	if project, _ := s.GetProjectByToken(ctx, id); project != nil {
		t.Fatal("project binding survived delete")
	}
}

func TestFileStoreAdminConfigDefault(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	cfg, err := s.GetAdminConfig(ctx)
	if err != nil {
		t.Fatalf("GetAdminConfig: %v", err)
	}
	if cfg.ErrorBanThreshold != models.DefaultErrorBanThreshold {
		t.Fatalf("default threshold = %d", cfg.ErrorBanThreshold)
	}

	if err = s.SaveAdminConfig(ctx, &models.AdminConfig{ErrorBanThreshold: 9}); err != nil {
		t.Fatalf("SaveAdminConfig: %v", err)
	}
	cfg, _ = s.GetAdminConfig(ctx)
	if cfg.ErrorBanThreshold != 9 {
		t.Fatalf("saved threshold = %d", cfg.ErrorBanThreshold)
	}
}

// Package token owns the credential lifecycle: validity checks, the refresh
// cascade, rate-limit bans and their scheduled lifting, and the error
// counters that drive auto-disable.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yuunie/flow2api/internal/flow"
	"github.com/yuunie/flow2api/internal/models"
	"github.com/yuunie/flow2api/internal/store"
)

// accessMargin is the minimum access-token lifetime left before a use
// triggers the refresh cascade.
const accessMargin = time.Hour

// flowAPI is the slice of the upstream client the manager needs.
type flowAPI interface {
	SessionToAccess(ctx context.Context, sessionToken string) (*flow.Session, error)
	GetCredits(ctx context.Context, accessToken string) (int64, error)
	RefreshSessionToken(ctx context.Context, oldSessionToken, email string) (string, error)
	CreateProject(ctx context.Context, sessionToken, title string) (string, error)
}

// SessionCookieReader pulls a fresh session cookie out of a logged-in
// browser. Optional: without one, the cascade ends at the exchange step.
type SessionCookieReader interface {
	SessionCookie(ctx context.Context, projectID string) (string, error)
}

// Manager drives every token state transition against the store.
type Manager struct {
	store   store.Store
	flow    flowAPI
	cookies SessionCookieReader

	// refreshMu serializes the refresh cascade process-wide. Concurrent
	// refresh needs for any token queue here instead of racing the
	// upstream session endpoints.
	refreshMu sync.Mutex

	now func() time.Time
}

// NewManager wires the lifecycle manager. cookies may be nil when no
// browser-backed solver is configured.
func NewManager(st store.Store, api flowAPI, cookies SessionCookieReader) *Manager {
	return &Manager{
		store:   st,
		flow:    api,
		cookies: cookies,
		now:     time.Now,
	}
}

// IsCredentialValid reports whether the token's access credential is usable,
// refreshing it first when it is missing or close to expiry. It never returns
// an error: any failure reads as unusable.
func (m *Manager) IsCredentialValid(ctx context.Context, id int64) bool {
	tok, err := m.store.GetToken(ctx, id)
	if err != nil {
		log.WithField("token_id", id).Warnf("token: credential check failed to load token: %v", err)
		return false
	}
	if tok.AccessValidFor(m.now(), accessMargin) {
		return true
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another cascade may have refreshed this token while we queued.
	tok, err = m.store.GetToken(ctx, id)
	if err != nil {
		return false
	}
	if tok.AccessValidFor(m.now(), accessMargin) {
		return true
	}
	return m.refreshLocked(ctx, tok) == nil
}

// refreshLocked runs the cascade for one token. Callers hold refreshMu.
//
// Step one exchanges the stored session credential for a new access
// credential and verifies it with a credits probe; only an unauthenticated
// probe response counts as staleness, other probe errors pass. Step two pulls
// a refreshed session cookie out of the resident browser and retries the
// exchange once. When both fail the token is disabled.
func (m *Manager) refreshLocked(ctx context.Context, tok *models.Token) error {
	logger := log.WithField("token_id", tok.ID)

	sess, err := m.exchangeAndVerify(ctx, tok.SessionToken)
	if err != nil {
		logger.Warnf("token: session exchange failed, trying browser cookie refresh: %v", err)
		newST := m.browserSessionToken(ctx, tok)
		if newST == "" {
			return m.disableAfterCascade(ctx, tok.ID, err)
		}
		if updErr := m.store.UpdateToken(ctx, tok.ID, models.TokenUpdate{SessionToken: &newST}); updErr != nil {
			return m.disableAfterCascade(ctx, tok.ID, updErr)
		}
		logger.Info("token: session credential refreshed from browser")
		if sess, err = m.exchangeAndVerify(ctx, newST); err != nil {
			return m.disableAfterCascade(ctx, tok.ID, err)
		}
	}

	err = m.store.UpdateToken(ctx, tok.ID, models.TokenUpdate{
		Access: &models.AccessCredential{Token: sess.AccessToken, ExpiresAt: sess.ExpiresAt},
	})
	if err != nil {
		return fmt.Errorf("token: persist access credential: %w", err)
	}
	logger.WithField("action", "refresh").Infof("token: access credential refreshed, expires %s", sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (m *Manager) exchangeAndVerify(ctx context.Context, sessionToken string) (*flow.Session, error) {
	sess, err := m.flow.SessionToAccess(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if _, err := m.flow.GetCredits(ctx, sess.AccessToken); err != nil {
		if flow.IsUnauthenticated(err) {
			return nil, fmt.Errorf("token: access credential rejected by probe: %w", err)
		}
		// Network noise must not block a usable credential.
		log.Debugf("token: credits probe failed with non-auth error, treating as valid: %v", err)
	}
	return sess, nil
}

// browserSessionToken reads the session cookie from the resident browser.
// Returns "" when no browser is wired, the token has no project, or the
// cookie did not actually change.
func (m *Manager) browserSessionToken(ctx context.Context, tok *models.Token) string {
	if m.cookies == nil || tok.ProjectID == "" {
		return ""
	}
	newST, err := m.cookies.SessionCookie(ctx, tok.ProjectID)
	if err != nil {
		log.WithField("token_id", tok.ID).Warnf("token: browser cookie refresh failed: %v", err)
		return ""
	}
	if newST == "" || newST == tok.SessionToken {
		return ""
	}
	return newST
}

func (m *Manager) disableAfterCascade(ctx context.Context, id int64, cause error) error {
	inactive := false
	if err := m.store.UpdateToken(ctx, id, models.TokenUpdate{IsActive: &inactive}); err != nil {
		log.WithField("token_id", id).Errorf("token: failed to disable after refresh cascade: %v", err)
	}
	log.WithField("token_id", id).Warnf("token: refresh cascade exhausted, token disabled: %v", cause)
	return fmt.Errorf("token: refresh cascade exhausted: %w", cause)
}

// BanForRateLimit parks the token after an upstream 429. Idempotent.
func (m *Manager) BanForRateLimit(ctx context.Context, id int64) error {
	inactive := false
	reason := models.BanReasonRateLimited
	now := m.now().UTC()
	err := m.store.UpdateToken(ctx, id, models.TokenUpdate{
		IsActive:  &inactive,
		BanReason: &reason,
		BannedAt:  &now,
	})
	if err != nil {
		return err
	}
	log.WithField("token_id", id).Warn("token: banned for rate limit")
	return nil
}

// RecordSuccess bumps the usage counter for kind and clears the consecutive
// error streak. The total and today error counters keep counting.
func (m *Manager) RecordSuccess(ctx context.Context, id int64, kind models.StatKind) {
	if err := m.store.IncrementStats(ctx, id, kind); err != nil {
		log.WithField("token_id", id).Warnf("token: failed to record usage: %v", err)
	}
	if err := m.store.ResetErrorCount(ctx, id); err != nil {
		log.WithField("token_id", id).Warnf("token: failed to reset error streak: %v", err)
	}
}

// RecordError bumps every error counter and disables the token once the
// consecutive streak reaches the configured threshold. Threshold disables
// look like manual ones: no ban reason is written.
func (m *Manager) RecordError(ctx context.Context, id int64) {
	if err := m.store.IncrementStats(ctx, id, models.StatError); err != nil {
		log.WithField("token_id", id).Warnf("token: failed to record error: %v", err)
		return
	}
	tok, err := m.store.GetToken(ctx, id)
	if err != nil {
		return
	}
	threshold := models.DefaultErrorBanThreshold
	if cfg, err := m.store.GetAdminConfig(ctx); err == nil && cfg.ErrorBanThreshold > 0 {
		threshold = cfg.ErrorBanThreshold
	}
	if tok.IsActive && tok.ConsecutiveErrorCount >= threshold {
		inactive := false
		if err := m.store.UpdateToken(ctx, id, models.TokenUpdate{IsActive: &inactive}); err != nil {
			log.WithField("token_id", id).Errorf("token: failed to disable after error streak: %v", err)
			return
		}
		log.WithField("token_id", id).Warnf("token: disabled after %d consecutive errors", tok.ConsecutiveErrorCount)
	}
}

// Enable reactivates a token and clears its error streak and any ban.
func (m *Manager) Enable(ctx context.Context, id int64) error {
	active := true
	zero := 0
	return m.store.UpdateToken(ctx, id, models.TokenUpdate{
		IsActive:              &active,
		ClearBan:              true,
		ConsecutiveErrorCount: &zero,
	})
}

// Disable deactivates a token without recording a ban reason.
func (m *Manager) Disable(ctx context.Context, id int64) error {
	inactive := false
	return m.store.UpdateToken(ctx, id, models.TokenUpdate{IsActive: &inactive})
}

// AddToken registers a new session credential: exchanges it for an access
// credential, creates a Flow project for the account, and persists both.
func (m *Manager) AddToken(ctx context.Context, sessionToken, remark string) (*models.Token, error) {
	sess, err := m.flow.SessionToAccess(ctx, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("token: session credential rejected: %w", err)
	}

	now := m.now().UTC()
	expires := sess.ExpiresAt.UTC()
	tok := &models.Token{
		SessionToken:         sessionToken,
		AccessToken:          sess.AccessToken,
		AccessTokenExpiresAt: &expires,
		Email:                sess.Email,
		Name:                 sess.Name,
		Remark:               remark,
		ImageEnabled:         true,
		VideoEnabled:         true,
		ImageConcurrency:     3,
		VideoConcurrency:     1,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	id, err := m.store.AddToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	tok.ID = id

	projectName := now.Format("Jan 02 - 15:04")
	projectID, err := m.flow.CreateProject(ctx, sessionToken, projectName)
	if err != nil {
		log.WithField("token_id", id).Warnf("token: project creation failed, will retry on first use: %v", err)
		return tok, nil
	}
	if err := m.store.AddProject(ctx, &models.Project{
		ProjectID: projectID,
		TokenID:   id,
		Name:      projectName,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := m.store.UpdateToken(ctx, id, models.TokenUpdate{ProjectID: &projectID}); err != nil {
		return nil, err
	}
	tok.ProjectID = projectID
	log.WithFields(log.Fields{"token_id": id, "project_id": projectID}).Info("token: registered")
	return tok, nil
}

// EnsureProject returns the token's bound project, creating one on demand.
func (m *Manager) EnsureProject(ctx context.Context, id int64) (string, error) {
	tok, err := m.store.GetToken(ctx, id)
	if err != nil {
		return "", err
	}
	if tok.ProjectID != "" {
		return tok.ProjectID, nil
	}

	now := m.now().UTC()
	projectName := now.Format("Jan 02 - 15:04")
	projectID, err := m.flow.CreateProject(ctx, tok.SessionToken, projectName)
	if err != nil {
		return "", fmt.Errorf("token: create project: %w", err)
	}
	if err := m.store.AddProject(ctx, &models.Project{
		ProjectID: projectID,
		TokenID:   id,
		Name:      projectName,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := m.store.UpdateToken(ctx, id, models.TokenUpdate{ProjectID: &projectID}); err != nil {
		return "", err
	}
	return projectID, nil
}

// UpdateToken applies an operator edit. Replacing the stored credentials of a
// rate-limit-banned token whose access credential has not expired yet lifts
// the ban immediately.
func (m *Manager) UpdateToken(ctx context.Context, id int64, update models.TokenUpdate) error {
	tok, err := m.store.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateToken(ctx, id, update); err != nil {
		return err
	}

	credentialsEdited := update.SessionToken != nil || update.Access != nil
	if credentialsEdited &&
		tok.BanReason == models.BanReasonRateLimited &&
		!tok.AccessExpired(m.now()) {
		active := true
		if err := m.store.UpdateToken(ctx, id, models.TokenUpdate{IsActive: &active, ClearBan: true}); err != nil {
			return err
		}
		log.WithField("token_id", id).Info("token: rate-limit ban cleared after credential edit")
	}
	return nil
}

// SeedErrorBanThreshold writes a configured threshold override into the
// store-backed admin settings, at startup and again on config reload. The
// default value never propagates, so a runtime edit through the store is not
// stomped by an untouched config file.
func SeedErrorBanThreshold(ctx context.Context, st store.Store, threshold int) error {
	if threshold <= 0 || threshold == models.DefaultErrorBanThreshold {
		return nil
	}
	if current, err := st.GetAdminConfig(ctx); err == nil && current.ErrorBanThreshold == threshold {
		return nil
	}
	return st.SaveAdminConfig(ctx, &models.AdminConfig{ErrorBanThreshold: threshold})
}

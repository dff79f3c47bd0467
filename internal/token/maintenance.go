package token

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yuunie/flow2api/internal/models"
)

const (
	maintenanceInterval = time.Hour
	// unbanAfter is how long a rate-limit ban holds before the sweep lifts it.
	unbanAfter = 12 * time.Hour
	// refreshAhead is how close to expiry the sweep refreshes session
	// credentials.
	refreshAhead = 2 * time.Hour
)

// RunMaintenance runs the hourly sweeps until ctx is cancelled. Call it in
// its own goroutine; it returns after the context ends so shutdown can await
// it.
func (m *Manager) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	log.Info("token: maintenance loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info("token: maintenance loop stopped")
			return
		case <-ticker.C:
			m.ScheduledUnban(ctx)
			m.ScheduledCredentialRefresh(ctx)
		}
	}
}

// ScheduledUnban lifts rate-limit bans that have aged out. A token qualifies
// only when it is inactive with a rate-limit ban reason, its access
// credential has not expired (unknown expiry passes), and the ban is at
// least unbanAfter old. Reactivation also clears the consecutive error
// streak.
func (m *Manager) ScheduledUnban(ctx context.Context) {
	tokens, err := m.store.GetAllTokens(ctx)
	if err != nil {
		log.Errorf("token: unban sweep failed to list tokens: %v", err)
		return
	}
	now := m.now()
	for _, tok := range tokens {
		if tok.BanReason != models.BanReasonRateLimited || tok.IsActive {
			continue
		}
		if tok.AccessExpired(now) {
			continue
		}
		if tok.BannedAt == nil || now.Sub(*tok.BannedAt) < unbanAfter {
			continue
		}
		active := true
		zero := 0
		err := m.store.UpdateToken(ctx, tok.ID, models.TokenUpdate{
			IsActive:              &active,
			ClearBan:              true,
			ConsecutiveErrorCount: &zero,
		})
		if err != nil {
			log.WithField("token_id", tok.ID).Errorf("token: unban failed: %v", err)
			continue
		}
		log.WithField("token_id", tok.ID).Info("token: rate-limit ban lifted")
	}
}

// ScheduledCredentialRefresh renews the session credential of every active
// token whose access credential expires within refreshAhead (or already
// has). Only the session credential is written; the next use refreshes the
// access credential through the cascade.
func (m *Manager) ScheduledCredentialRefresh(ctx context.Context) {
	tokens, err := m.store.GetActiveTokens(ctx)
	if err != nil {
		log.Errorf("token: credential refresh sweep failed to list tokens: %v", err)
		return
	}
	now := m.now()
	for _, tok := range tokens {
		// An unknown expiry gives nothing to renew against.
		if tok.AccessTokenExpiresAt == nil {
			continue
		}
		if tok.AccessValidFor(now, refreshAhead) {
			continue
		}
		newST, err := m.flow.RefreshSessionToken(ctx, tok.SessionToken, tok.Email)
		if err != nil {
			log.WithField("token_id", tok.ID).Warnf("token: session refresh failed: %v", err)
			continue
		}
		if newST == tok.SessionToken {
			continue
		}
		if err := m.store.UpdateToken(ctx, tok.ID, models.TokenUpdate{SessionToken: &newST}); err != nil {
			log.WithField("token_id", tok.ID).Errorf("token: failed to persist refreshed session: %v", err)
			continue
		}
		log.WithField("token_id", tok.ID).Info("token: session credential refreshed ahead of expiry")
	}
}

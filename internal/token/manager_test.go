package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yuunie/flow2api/internal/flow"
	"github.com/yuunie/flow2api/internal/models"
	"github.com/yuunie/flow2api/internal/store"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	tokens map[int64]*models.Token
	admin  *models.AdminConfig
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[int64]*models.Token)}
}

func (s *memStore) GetToken(_ context.Context, id int64) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	return tok.Clone(), nil
}

func (s *memStore) GetAllTokens(context.Context) ([]*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		out = append(out, tok.Clone())
	}
	return out, nil
}

func (s *memStore) GetActiveTokens(ctx context.Context) ([]*models.Token, error) {
	all, _ := s.GetAllTokens(ctx)
	out := all[:0]
	for _, tok := range all {
		if tok.IsActive {
			out = append(out, tok)
		}
	}
	return out, nil
}

func (s *memStore) AddToken(_ context.Context, tok *models.Token) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens {
		if existing.SessionToken == tok.SessionToken {
			return 0, store.ErrDuplicateSession
		}
	}
	s.nextID++
	dup := tok.Clone()
	dup.ID = s.nextID
	s.tokens[dup.ID] = dup
	return dup.ID, nil
}

func (s *memStore) UpdateToken(_ context.Context, id int64, update models.TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return store.ErrTokenNotFound
	}
	update.Apply(tok, time.Now())
	return nil
}

func (s *memStore) DeleteToken(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *memStore) AddProject(context.Context, *models.Project) error { return nil }

func (s *memStore) GetProjectByToken(context.Context, int64) (*models.Project, error) {
	return nil, store.ErrTokenNotFound
}

func (s *memStore) IncrementStats(_ context.Context, id int64, kind models.StatKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return store.ErrTokenNotFound
	}
	switch kind {
	case models.StatUse:
		tok.UseCount++
		now := time.Now().UTC()
		tok.LastUsedAt = &now
	case models.StatImage:
		tok.ImageCount++
	case models.StatVideo:
		tok.VideoCount++
	case models.StatError:
		tok.ErrorCount++
		tok.TodayErrorCount++
		tok.ConsecutiveErrorCount++
	}
	return nil
}

func (s *memStore) ResetErrorCount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return store.ErrTokenNotFound
	}
	tok.ConsecutiveErrorCount = 0
	return nil
}

func (s *memStore) GetAdminConfig(context.Context) (*models.AdminConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin != nil {
		return s.admin, nil
	}
	return &models.AdminConfig{ErrorBanThreshold: models.DefaultErrorBanThreshold}, nil
}

func (s *memStore) SaveAdminConfig(_ context.Context, cfg *models.AdminConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = cfg
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeFlow struct {
	mu sync.Mutex

	sessions map[string]*flow.Session
	// exchange errors keyed by session token
	exchangeErr map[string]error
	probeErr    map[string]error
	refreshed   string
	refreshErr  error

	exchangeCalls int
	probeCalls    int
	refreshCalls  int
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{
		sessions:    make(map[string]*flow.Session),
		exchangeErr: make(map[string]error),
		probeErr:    make(map[string]error),
	}
}

func (f *fakeFlow) SessionToAccess(_ context.Context, st string) (*flow.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if err := f.exchangeErr[st]; err != nil {
		return nil, err
	}
	sess, ok := f.sessions[st]
	if !ok {
		return nil, errors.New("unknown session")
	}
	dup := *sess
	return &dup, nil
}

func (f *fakeFlow) GetCredits(_ context.Context, at string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if err := f.probeErr[at]; err != nil {
		return 0, err
	}
	return 100, nil
}

func (f *fakeFlow) RefreshSessionToken(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeFlow) CreateProject(context.Context, string, string) (string, error) {
	return "project-1", nil
}

type fakeCookies struct {
	value string
	err   error
	calls int
}

func (f *fakeCookies) SessionCookie(context.Context, string) (string, error) {
	f.calls++
	return f.value, f.err
}

func seedToken(st *memStore, tok models.Token) int64 {
	id, _ := st.AddToken(context.Background(), &tok)
	return id
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBanForRateLimitSetsReasonAndDeactivates(t *testing.T) {
	st := newMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := seedToken(st, models.Token{SessionToken: "st-1", IsActive: true})

	m := NewManager(st, newFakeFlow(), nil)
	m.now = fixedNow(now)
	if err := m.BanForRateLimit(context.Background(), id); err != nil {
		t.Fatalf("BanForRateLimit: %v", err)
	}

	tok, _ := st.GetToken(context.Background(), id)
	if tok.IsActive {
		t.Fatal("token still active after rate-limit ban")
	}
	if tok.BanReason != models.BanReasonRateLimited {
		t.Fatalf("ban reason = %q", tok.BanReason)
	}
	if tok.BannedAt == nil || !tok.BannedAt.Equal(now) {
		t.Fatalf("banned at = %v", tok.BannedAt)
	}

	// Idempotent: a second ban keeps the same shape.
	if err := m.BanForRateLimit(context.Background(), id); err != nil {
		t.Fatalf("second BanForRateLimit: %v", err)
	}
	tok, _ = st.GetToken(context.Background(), id)
	if tok.IsActive || tok.BanReason != models.BanReasonRateLimited {
		t.Fatal("second ban changed the token shape")
	}
}

func TestScheduledUnbanRespectsTwelveHourWindow(t *testing.T) {
	bannedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	atExpiry := bannedAt.Add(20 * time.Hour)
	reason := models.BanReasonRateLimited

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:          "st-1",
		AccessToken:           "at-1",
		AccessTokenExpiresAt:  &atExpiry,
		IsActive:              false,
		BanReason:             reason,
		BannedAt:              &bannedAt,
		ConsecutiveErrorCount: 3,
	})

	m := NewManager(st, newFakeFlow(), nil)

	m.now = fixedNow(bannedAt.Add(11*time.Hour + 59*time.Minute))
	m.ScheduledUnban(context.Background())
	tok, _ := st.GetToken(context.Background(), id)
	if tok.IsActive || tok.BanReason == "" {
		t.Fatal("token unbanned before 12h elapsed")
	}

	m.now = fixedNow(bannedAt.Add(12*time.Hour + time.Minute))
	m.ScheduledUnban(context.Background())
	tok, _ = st.GetToken(context.Background(), id)
	if !tok.IsActive {
		t.Fatal("token not reactivated after 12h")
	}
	if tok.BanReason != "" || tok.BannedAt != nil {
		t.Fatal("ban not cleared on reactivation")
	}
	if tok.ConsecutiveErrorCount != 0 {
		t.Fatalf("consecutive errors = %d, want 0", tok.ConsecutiveErrorCount)
	}
}

func TestScheduledUnbanSkipsExpiredAndUnbanned(t *testing.T) {
	bannedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expired := bannedAt.Add(time.Hour)

	st := newMemStore()
	expiredID := seedToken(st, models.Token{
		SessionToken:         "st-expired",
		AccessToken:          "at",
		AccessTokenExpiresAt: &expired,
		IsActive:             false,
		BanReason:            models.BanReasonRateLimited,
		BannedAt:             &bannedAt,
	})
	manualID := seedToken(st, models.Token{
		SessionToken: "st-manual",
		IsActive:     false,
	})

	m := NewManager(st, newFakeFlow(), nil)
	m.now = fixedNow(bannedAt.Add(24 * time.Hour))
	m.ScheduledUnban(context.Background())

	tok, _ := st.GetToken(context.Background(), expiredID)
	if tok.IsActive {
		t.Fatal("reactivated a token whose access credential expired")
	}
	tok, _ = st.GetToken(context.Background(), manualID)
	if tok.IsActive {
		t.Fatal("touched a manually disabled token with no ban reason")
	}
}

func TestRecordErrorDisablesAtThreshold(t *testing.T) {
	st := newMemStore()
	id := seedToken(st, models.Token{SessionToken: "st-1", IsActive: true})
	m := NewManager(st, newFakeFlow(), nil)

	for i := 0; i < models.DefaultErrorBanThreshold-1; i++ {
		m.RecordError(context.Background(), id)
	}
	tok, _ := st.GetToken(context.Background(), id)
	if !tok.IsActive {
		t.Fatal("disabled before reaching the threshold")
	}

	m.RecordError(context.Background(), id)
	tok, _ = st.GetToken(context.Background(), id)
	if tok.IsActive {
		t.Fatal("still active at the threshold")
	}
	if tok.BanReason != "" {
		t.Fatalf("threshold disable wrote a ban reason: %q", tok.BanReason)
	}
}

func TestRecordSuccessResetsStreakOnly(t *testing.T) {
	st := newMemStore()
	id := seedToken(st, models.Token{SessionToken: "st-1", IsActive: true})
	m := NewManager(st, newFakeFlow(), nil)

	for i := 0; i < models.DefaultErrorBanThreshold-1; i++ {
		m.RecordError(context.Background(), id)
	}
	m.RecordSuccess(context.Background(), id, models.StatUse)

	tok, _ := st.GetToken(context.Background(), id)
	if tok.ConsecutiveErrorCount != 0 {
		t.Fatalf("consecutive errors = %d after success", tok.ConsecutiveErrorCount)
	}
	if tok.ErrorCount != models.DefaultErrorBanThreshold-1 {
		t.Fatalf("total errors = %d, success must not reset it", tok.ErrorCount)
	}
	if tok.UseCount != 1 || tok.LastUsedAt == nil {
		t.Fatal("usage counter not bumped")
	}

	// The interrupted streak means threshold more errors are needed again.
	m.RecordError(context.Background(), id)
	tok, _ = st.GetToken(context.Background(), id)
	if !tok.IsActive {
		t.Fatal("disabled on a fresh streak of one")
	}
}

func TestIsCredentialValidNoSideEffectWhenFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(3 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:         "st-1",
		AccessToken:          "at-1",
		AccessTokenExpiresAt: &expiry,
		IsActive:             true,
	})

	api := newFakeFlow()
	m := NewManager(st, api, nil)
	m.now = fixedNow(now)

	if !m.IsCredentialValid(context.Background(), id) {
		t.Fatal("fresh credential reported invalid")
	}
	if api.exchangeCalls != 0 || api.probeCalls != 0 {
		t.Fatal("fresh credential triggered upstream calls")
	}
}

func TestRefreshReplacesAccessPairAndKeepsSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldExpiry := now.Add(10 * time.Minute)
	newExpiry := now.Add(24 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:         "st-1",
		AccessToken:          "at-old",
		AccessTokenExpiresAt: &oldExpiry,
		IsActive:             true,
	})

	api := newFakeFlow()
	api.sessions["st-1"] = &flow.Session{AccessToken: "at-new", ExpiresAt: newExpiry}
	m := NewManager(st, api, nil)
	m.now = fixedNow(now)

	if !m.IsCredentialValid(context.Background(), id) {
		t.Fatal("refresh failed")
	}
	tok, _ := st.GetToken(context.Background(), id)
	if tok.SessionToken != "st-1" {
		t.Fatalf("session token changed to %q", tok.SessionToken)
	}
	if tok.AccessToken != "at-new" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if tok.AccessTokenExpiresAt == nil || !tok.AccessTokenExpiresAt.Equal(newExpiry) {
		t.Fatalf("access expiry = %v, want %v", tok.AccessTokenExpiresAt, newExpiry)
	}
}

func TestRefreshCascadeUsesBrowserCookieOnStaleSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newExpiry := now.Add(24 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken: "st-stale",
		ProjectID:    "project-1",
		IsActive:     true,
	})

	api := newFakeFlow()
	api.sessions["st-stale"] = &flow.Session{AccessToken: "at-stale", ExpiresAt: newExpiry}
	api.probeErr["at-stale"] = &flow.APIError{StatusCode: 401, Reason: "UNAUTHENTICATED"}
	api.sessions["st-fresh"] = &flow.Session{AccessToken: "at-fresh", ExpiresAt: newExpiry}

	cookies := &fakeCookies{value: "st-fresh"}
	m := NewManager(st, api, cookies)
	m.now = fixedNow(now)

	if !m.IsCredentialValid(context.Background(), id) {
		t.Fatal("cascade failed despite fresh browser cookie")
	}
	tok, _ := st.GetToken(context.Background(), id)
	if tok.SessionToken != "st-fresh" {
		t.Fatalf("session token = %q, want st-fresh", tok.SessionToken)
	}
	if tok.AccessToken != "at-fresh" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if cookies.calls != 1 {
		t.Fatalf("browser cookie read %d times", cookies.calls)
	}
}

func TestRefreshCascadeExhaustionDisables(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken: "st-dead",
		ProjectID:    "project-1",
		IsActive:     true,
	})

	api := newFakeFlow()
	api.exchangeErr["st-dead"] = &flow.APIError{StatusCode: 401, Reason: "no session"}
	cookies := &fakeCookies{err: errors.New("browser gone")}
	m := NewManager(st, api, cookies)
	m.now = fixedNow(now)

	if m.IsCredentialValid(context.Background(), id) {
		t.Fatal("dead credential reported valid")
	}
	tok, _ := st.GetToken(context.Background(), id)
	if tok.IsActive {
		t.Fatal("token not disabled after cascade exhaustion")
	}
	if tok.BanReason != "" {
		t.Fatal("cascade disable must not write a ban reason")
	}
}

func TestProbeNetworkNoiseTreatedAsSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newExpiry := now.Add(24 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{SessionToken: "st-1", IsActive: true})

	api := newFakeFlow()
	api.sessions["st-1"] = &flow.Session{AccessToken: "at-1", ExpiresAt: newExpiry}
	api.probeErr["at-1"] = errors.New("connection reset")
	m := NewManager(st, api, nil)
	m.now = fixedNow(now)

	if !m.IsCredentialValid(context.Background(), id) {
		t.Fatal("network noise on probe blocked the refresh")
	}
}

func TestUpdateTokenCredentialEditClearsRateLimitBan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bannedAt := now.Add(-time.Hour)
	expiry := now.Add(10 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:         "st-old",
		AccessToken:          "at-1",
		AccessTokenExpiresAt: &expiry,
		IsActive:             false,
		BanReason:            models.BanReasonRateLimited,
		BannedAt:             &bannedAt,
	})

	m := NewManager(st, newFakeFlow(), nil)
	m.now = fixedNow(now)

	newST := "st-new"
	if err := m.UpdateToken(context.Background(), id, models.TokenUpdate{SessionToken: &newST}); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	tok, _ := st.GetToken(context.Background(), id)
	if !tok.IsActive || tok.BanReason != "" {
		t.Fatal("credential edit did not clear the rate-limit ban")
	}
}

func TestUpdateTokenNonCredentialEditKeepsBan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bannedAt := now.Add(-time.Hour)
	expiry := now.Add(10 * time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:         "st-1",
		AccessToken:          "at-1",
		AccessTokenExpiresAt: &expiry,
		IsActive:             false,
		BanReason:            models.BanReasonRateLimited,
		BannedAt:             &bannedAt,
	})

	m := NewManager(st, newFakeFlow(), nil)
	m.now = fixedNow(now)

	remark := "edited"
	if err := m.UpdateToken(context.Background(), id, models.TokenUpdate{Remark: &remark}); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}
	tok, _ := st.GetToken(context.Background(), id)
	if tok.IsActive || tok.BanReason != models.BanReasonRateLimited {
		t.Fatal("remark edit must not lift the ban")
	}
}

func TestScheduledCredentialRefreshPersistsSessionOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(time.Hour)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken:         "st-old",
		AccessToken:          "at-1",
		AccessTokenExpiresAt: &soon,
		IsActive:             true,
		Email:                "a@b.c",
	})
	farID := seedToken(st, models.Token{
		SessionToken:         "st-far",
		AccessToken:          "at-2",
		AccessTokenExpiresAt: timePtr(now.Add(10 * time.Hour)),
		IsActive:             true,
	})

	api := newFakeFlow()
	api.refreshed = "st-new"
	m := NewManager(st, api, nil)
	m.now = fixedNow(now)

	m.ScheduledCredentialRefresh(context.Background())

	tok, _ := st.GetToken(context.Background(), id)
	if tok.SessionToken != "st-new" {
		t.Fatalf("session token = %q, want st-new", tok.SessionToken)
	}
	if tok.AccessToken != "at-1" {
		t.Fatal("sweep must not touch the access credential")
	}
	tok, _ = st.GetToken(context.Background(), farID)
	if tok.SessionToken != "st-far" {
		t.Fatal("sweep refreshed a token with plenty of lifetime left")
	}
	if api.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", api.refreshCalls)
	}
}

func TestScheduledCredentialRefreshSkipsUnknownExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := newMemStore()
	id := seedToken(st, models.Token{
		SessionToken: "st-unknown",
		IsActive:     true,
	})

	api := newFakeFlow()
	api.refreshed = "st-new"
	m := NewManager(st, api, nil)
	m.now = fixedNow(now)

	m.ScheduledCredentialRefresh(context.Background())

	tok, _ := st.GetToken(context.Background(), id)
	if tok.SessionToken != "st-unknown" {
		t.Fatal("sweep refreshed a token with no known access expiry")
	}
	if api.refreshCalls != 0 {
		t.Fatalf("refresh calls = %d, want 0", api.refreshCalls)
	}
}

func TestSeedErrorBanThreshold(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	if err := SeedErrorBanThreshold(ctx, st, models.DefaultErrorBanThreshold); err != nil {
		t.Fatalf("seed default: %v", err)
	}
	if st.admin != nil {
		t.Fatal("default threshold must not create an admin override")
	}

	if err := SeedErrorBanThreshold(ctx, st, 9); err != nil {
		t.Fatalf("seed override: %v", err)
	}
	cfg, _ := st.GetAdminConfig(ctx)
	if cfg.ErrorBanThreshold != 9 {
		t.Fatalf("threshold = %d, want 9", cfg.ErrorBanThreshold)
	}

	// A runtime edit survives a reload with an untouched config file.
	st.admin = &models.AdminConfig{ErrorBanThreshold: 12}
	if err := SeedErrorBanThreshold(ctx, st, models.DefaultErrorBanThreshold); err != nil {
		t.Fatalf("reload with default: %v", err)
	}
	cfg, _ = st.GetAdminConfig(ctx)
	if cfg.ErrorBanThreshold != 12 {
		t.Fatalf("threshold = %d, runtime edit was stomped", cfg.ErrorBanThreshold)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

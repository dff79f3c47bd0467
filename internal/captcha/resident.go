package captcha

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yuunie/flow2api/internal/config"
	"github.com/yuunie/flow2api/internal/flow"
)

const (
	readyPolls    = 60
	readyInterval = time.Second
	widgetPolls   = 20
	execPolls     = 30
	shortInterval = 500 * time.Millisecond
)

const widgetProbeJS = `() => typeof grecaptcha !== 'undefined' && typeof grecaptcha.enterprise !== 'undefined' && typeof grecaptcha.enterprise.execute === 'function'`

// BrowserSolver solves challenges by executing the widget inside a real
// browser tab. In resident mode one tab is kept open per project so repeat
// calls skip the page load entirely; in ephemeral mode every call opens and
// tears down its own tab.
type BrowserSolver struct {
	browser  Browser
	siteKey  string
	resident bool
	pageURL  func(projectID string) string

	mu       sync.Mutex
	sessions map[string]Tab
	group    singleflight.Group

	// shrunk by tests
	readyInterval time.Duration
	shortInterval time.Duration

	varSeq atomic.Int64
}

// NewBrowserSolver builds a solver over the given browser. pageURL maps a
// project id to the page hosting the widget.
func NewBrowserSolver(browser Browser, cfg config.CaptchaConfig, resident bool, pageURL func(projectID string) string) *BrowserSolver {
	return &BrowserSolver{
		browser:       browser,
		siteKey:       cfg.SiteKey,
		resident:      resident,
		pageURL:       pageURL,
		sessions:      make(map[string]Tab),
		readyInterval: readyInterval,
		shortInterval: shortInterval,
	}
}

// Token returns a solved challenge token for the project. The returned handle
// is the project id; ReportBad with it tears the project's resident tab down
// so the next acquisition starts fresh.
func (s *BrowserSolver) Token(ctx context.Context, projectID, action string) (string, string, error) {
	if !s.resident {
		token, err := s.ephemeralToken(ctx, projectID, action)
		return token, projectID, err
	}

	tab, err := s.tab(ctx, projectID)
	if err != nil {
		log.Warnf("captcha: resident tab unavailable for project %s, falling back to ephemeral: %v", projectID, err)
		token, errEphemeral := s.ephemeralToken(ctx, projectID, action)
		return token, projectID, errEphemeral
	}

	token, err := s.execute(ctx, tab, action)
	if err == nil {
		return token, projectID, nil
	}

	// The tab went stale. Rebuild it once and retry before giving up on
	// resident mode for this call.
	log.Warnf("captcha: resident tab failed for project %s, rebuilding: %v", projectID, err)
	s.drop(projectID)
	if tab, err = s.tab(ctx, projectID); err == nil {
		if token, err = s.execute(ctx, tab, action); err == nil {
			return token, projectID, nil
		}
		s.drop(projectID)
	}

	token, err = s.ephemeralToken(ctx, projectID, action)
	return token, projectID, err
}

// ReportBad discards the resident tab behind a rejected token.
func (s *BrowserSolver) ReportBad(_ context.Context, handle string) {
	if handle != "" {
		s.drop(handle)
	}
}

// SessionCookie reads the labs.google session cookie from the browser jar,
// loading the project page first so the jar holds a fresh value.
func (s *BrowserSolver) SessionCookie(ctx context.Context, projectID string) (string, error) {
	s.drop(projectID)
	if _, err := s.tab(ctx, projectID); err != nil {
		return "", err
	}
	return s.browser.Cookie(flow.SessionCookieName)
}

// Close tears down every resident tab and the browser process.
func (s *BrowserSolver) Close() error {
	s.mu.Lock()
	for projectID, tab := range s.sessions {
		_ = tab.Close()
		delete(s.sessions, projectID)
	}
	s.mu.Unlock()
	return s.browser.Close()
}

// tab returns the resident tab for the project, creating it if needed.
// Concurrent calls for the same project share one creation; other projects
// proceed independently.
func (s *BrowserSolver) tab(ctx context.Context, projectID string) (Tab, error) {
	s.mu.Lock()
	tab, ok := s.sessions[projectID]
	s.mu.Unlock()
	if ok {
		return tab, nil
	}

	created, err, _ := s.group.Do(projectID, func() (any, error) {
		s.mu.Lock()
		tab, ok := s.sessions[projectID]
		s.mu.Unlock()
		if ok {
			return tab, nil
		}

		tab, err := s.openPrepared(ctx, projectID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[projectID] = tab
		s.mu.Unlock()
		log.Infof("captcha: resident tab ready for project %s", projectID)
		return tab, nil
	})
	if err != nil {
		return nil, err
	}
	return created.(Tab), nil
}

func (s *BrowserSolver) drop(projectID string) {
	s.mu.Lock()
	tab, ok := s.sessions[projectID]
	if ok {
		delete(s.sessions, projectID)
	}
	s.mu.Unlock()
	if ok {
		_ = tab.Close()
	}
}

// openPrepared opens the project page and waits until the widget can run.
func (s *BrowserSolver) openPrepared(ctx context.Context, projectID string) (Tab, error) {
	tab, err := s.browser.OpenTab(ctx, s.pageURL(projectID))
	if err != nil {
		return nil, err
	}
	if err := s.prepare(ctx, tab); err != nil {
		_ = tab.Close()
		return nil, err
	}
	return tab, nil
}

func (s *BrowserSolver) prepare(ctx context.Context, tab Tab) error {
	loaded := false
	for i := 0; i < readyPolls; i++ {
		if err := sleep(ctx, s.readyInterval); err != nil {
			return err
		}
		state, err := tab.Eval(ctx, `() => document.readyState`)
		if err != nil {
			continue
		}
		if state == "complete" {
			loaded = true
			break
		}
	}
	if !loaded {
		return fmt.Errorf("captcha: page load timed out")
	}

	if ok, _ := tab.Eval(ctx, widgetProbeJS); ok == "true" {
		return nil
	}

	// The page did not bring the widget itself. Inject the script and wait
	// for it to come up.
	injectJS := fmt.Sprintf(`() => {
		if (document.querySelector('script[src*="recaptcha"]')) return;
		const script = document.createElement('script');
		script.src = 'https://www.google.com/recaptcha/api.js?render=%s';
		script.async = true;
		document.head.appendChild(script);
	}`, s.siteKey)
	if _, err := tab.Eval(ctx, injectJS); err != nil {
		return fmt.Errorf("captcha: inject widget script: %w", err)
	}
	for i := 0; i < widgetPolls; i++ {
		if err := sleep(ctx, s.shortInterval); err != nil {
			return err
		}
		if ok, _ := tab.Eval(ctx, widgetProbeJS); ok == "true" {
			return nil
		}
	}
	return fmt.Errorf("captcha: widget did not load")
}

// execute runs the widget on the tab and polls for the result. Result and
// error land in a unique pair of window variables so concurrent executions
// on the same tab never clobber each other.
func (s *BrowserSolver) execute(ctx context.Context, tab Tab, action string) (string, error) {
	seq := s.varSeq.Add(1)
	tokenVar := fmt.Sprintf("_challenge_token_%d_%d", time.Now().UnixMilli(), seq)
	errVar := fmt.Sprintf("_challenge_error_%d_%d", time.Now().UnixMilli(), seq)

	kickoffJS := fmt.Sprintf(`() => {
		window.%[1]s = null;
		window.%[2]s = null;
		try {
			grecaptcha.enterprise.ready(function() {
				grecaptcha.enterprise.execute('%[3]s', {action: '%[4]s'})
					.then(function(token) { window.%[1]s = token; })
					.catch(function(err) { window.%[2]s = err.message || 'execute failed'; });
			});
		} catch (e) {
			window.%[2]s = e.message || 'exception';
		}
	}`, tokenVar, errVar, s.siteKey, action)
	if _, err := tab.Eval(ctx, kickoffJS); err != nil {
		return "", fmt.Errorf("captcha: start widget execution: %w", err)
	}
	defer func() {
		_, _ = tab.Eval(ctx, fmt.Sprintf(`() => { delete window.%s; delete window.%s; }`, tokenVar, errVar))
	}()

	for i := 0; i < execPolls; i++ {
		if err := sleep(ctx, s.shortInterval); err != nil {
			return "", err
		}
		token, err := tab.Eval(ctx, fmt.Sprintf(`() => window.%s || ""`, tokenVar))
		if err != nil {
			return "", fmt.Errorf("captcha: poll widget result: %w", err)
		}
		if token != "" {
			return token, nil
		}
		if widgetErr, _ := tab.Eval(ctx, fmt.Sprintf(`() => window.%s || ""`, errVar)); widgetErr != "" {
			return "", fmt.Errorf("captcha: widget execution failed: %s", widgetErr)
		}
	}
	return "", fmt.Errorf("captcha: widget execution timed out")
}

// ephemeralToken runs the whole flow in a throwaway tab.
func (s *BrowserSolver) ephemeralToken(ctx context.Context, projectID, action string) (string, error) {
	tab, err := s.openPrepared(ctx, projectID)
	if err != nil {
		return "", err
	}
	defer tab.Close()
	return s.execute(ctx, tab, action)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

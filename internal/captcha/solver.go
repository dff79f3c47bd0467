package captcha

import (
	"context"

	"github.com/yuunie/flow2api/internal/config"
)

// Solver is the surface generation calls depend on. Token returns the solved
// challenge plus an opaque handle; ReportBad flags the handle after an
// upstream rejection so stateful solvers can rotate.
type Solver interface {
	Token(ctx context.Context, projectID, action string) (token string, handle string, err error)
	ReportBad(ctx context.Context, handle string)
	Close() error
}

// ConfigApplier is implemented by solvers whose settings (vendor keys,
// endpoints) can be swapped on a config reload without rebuilding the solver.
type ConfigApplier interface {
	ApplyConfig(cfg config.CaptchaConfig)
}

// SessionCookieReader is implemented by browser-backed solvers that can read
// the labs.google session cookie out of the running browser.
type SessionCookieReader interface {
	SessionCookie(ctx context.Context, projectID string) (string, error)
}

// New selects the solver backend from the configured method: "resident" and
// "ephemeral" drive a local browser, anything else must name a known solving
// vendor.
func New(cfg *config.Config, pageURL func(projectID string) string) (Solver, error) {
	switch cfg.Captcha.Method {
	case "resident":
		return NewBrowserSolver(NewBrowser(cfg.Captcha), cfg.Captcha, true, pageURL), nil
	case "ephemeral":
		return NewBrowserSolver(NewBrowser(cfg.Captcha), cfg.Captcha, false, pageURL), nil
	default:
		return NewAPISolver(cfg.Captcha.Method, cfg.Captcha, pageURL)
	}
}

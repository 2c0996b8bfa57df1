package notification

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	subjectWelcome = "Welcome to FinAssist"
	subjectReset   = "Reset your FinAssist password"

	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
)

// Notifier renders and dispatches the auth emails. Every dispatch is bounded
// by a timeout and retried with exponential backoff inside that bound.
type Notifier struct {
	mailer        Mailer
	timeout       time.Duration
	baseURL       string
	resetValidity time.Duration
	logger        *slog.Logger
}

// NewNotifier builds a notifier. baseURL is the public web origin used in
// reset links.
func NewNotifier(mailer Mailer, timeout time.Duration, baseURL string, resetValidity time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		mailer:        mailer,
		timeout:       timeout,
		baseURL:       baseURL,
		resetValidity: resetValidity,
		logger:        logger,
	}
}

// Welcome sends the post-registration greeting.
func (n *Notifier) Welcome(ctx context.Context, to, name string) error {
	html, err := render(welcomeTemplate, struct{ Name string }{name})
	if err != nil {
		return oops.Code("EMAIL_RENDER_FAILED").With("template", "welcome").Wrap(err)
	}
	return n.dispatch(ctx, Email{To: to, Subject: subjectWelcome, HTML: html})
}

// PasswordReset sends the reset link carrying token.
func (n *Notifier) PasswordReset(ctx context.Context, to, name, token string) error {
	html, err := render(resetTemplate, struct {
		Name     string
		Link     string
		Validity string
	}{name, ResetLink(n.baseURL, token), n.resetValidity.String()})
	if err != nil {
		return oops.Code("EMAIL_RENDER_FAILED").With("template", "reset").Wrap(err)
	}
	return n.dispatch(ctx, Email{To: to, Subject: subjectReset, HTML: html})
}

// ResetLink is the web page that accepts a reset token.
func ResetLink(baseURL, token string) string {
	return baseURL + "/reset-password?" + url.Values{"token": []string{token}}.Encode()
}

func (n *Notifier) dispatch(ctx context.Context, email Email) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	attempt := 0
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(retryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := n.mailer.Send(ctx, email); err != nil {
			n.logger.Debug("email attempt failed", "subject", email.Subject, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code("EMAIL_DISPATCH_FAILED").
			With("subject", email.Subject).
			With("attempts", attempt).
			Wrap(err)
	}
	return nil
}

// Package notify alerts an operator when a Worker hits an unrecoverable
// store error (spec.md §8, Notifier.Alert). Grounded directly on the
// teacher's email.Sender: the same env-switched log-vs-Resend split, applied
// to operator alerts instead of magic-link emails.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Notifier alerts an operator about a fatal condition in a running
// component.
type Notifier interface {
	Alert(ctx context.Context, component string, err error) error
}

// LogNotifier logs the alert instead of sending it — used in ENV=local.
type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) Alert(_ context.Context, component string, err error) error {
	n.logger.Error("operator alert (local dev, not emailed)", "component", component, "error", err)
	return nil
}

// ResendNotifier emails the alert via the Resend API — used in
// staging/production.
type ResendNotifier struct {
	client *resend.Client
	from   string
	to     string
}

func (n *ResendNotifier) Alert(ctx context.Context, component string, err error) error {
	params := &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{n.to},
		Subject: fmt.Sprintf("[jobrun] %s failed fatally", component),
		Html:    fmt.Sprintf("<p>Component <b>%s</b> hit an unrecoverable error and is shutting down:</p><pre>%s</pre>", component, err.Error()),
	}
	if _, sendErr := n.client.Emails.SendWithContext(ctx, params); sendErr != nil {
		return fmt.Errorf("send operator alert: %w", sendErr)
	}
	return nil
}

// New returns a LogNotifier for env == "local", ResendNotifier otherwise.
// to is the operator alert address; an empty to also falls back to
// LogNotifier, since there is nowhere to send the email.
func New(env, apiKey, from, to string, logger *slog.Logger) Notifier {
	if env == "local" || to == "" {
		return &LogNotifier{logger: logger.With("component", "notify")}
	}
	return &ResendNotifier{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
	}
}

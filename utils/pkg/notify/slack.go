// Package notify carries operator alerts out of band. The pipeline promises
// that a queued reading either becomes a record or the operator hears about
// it; this is the hearing-about-it part.
package notify

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier delivers an operator-facing alert. Implementations must not
// block the pipeline on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Slack posts alerts to a Slack channel.
type Slack struct {
	log     *slog.Logger
	client  *slack.Client
	channel string
}

// NewSlack builds a Slack notifier. Returns nil when token or channel is
// unset; callers should fall back to Noop.
func NewSlack(token, channel string, log *slog.Logger) *Slack {
	if token == "" || channel == "" {
		return nil
	}
	return &Slack{
		log:     log,
		client:  slack.New(token),
		channel: channel,
	}
}

func (s *Slack) Notify(ctx context.Context, text string) {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.log.Error("notify: failed to post slack alert", "channel", s.channel, "error", err)
	}
}

// Noop discards alerts. Used when Slack is not configured; the alert still
// lands in the logs at the call site.
type Noop struct{}

func (Noop) Notify(context.Context, string) {}

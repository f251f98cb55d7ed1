// Package slack sends pipeline notifications to Slack, either through an
// incoming webhook or through the Web API with a bot token.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/slack-go/slack"

	"github.com/linnemanlabs/warden/internal/notify"
)

const (
	maxHeaderLen = 150
	maxFieldLen  = 1900
	maxFields    = 10
)

// Options selects the delivery path. WebhookURL wins when both are set.
type Options struct {
	WebhookURL string
	Token      string
	Channel    string
	// APIURL overrides the Web API endpoint.
	APIURL string
}

// Notifier posts notifications to Slack. With nothing configured Notify is a
// no-op.
type Notifier struct {
	webhookURL string
	channel    string
	api        *slack.Client
	logger     log.Logger
}

// New creates a notifier.
func New(opts Options, logger log.Logger) *Notifier {
	n := &Notifier{webhookURL: opts.WebhookURL, channel: opts.Channel, logger: logger}
	if opts.WebhookURL == "" && opts.Token != "" && opts.Channel != "" {
		var apiOpts []slack.Option
		if opts.APIURL != "" {
			apiOpts = append(apiOpts, slack.OptionAPIURL(opts.APIURL))
		}
		n.api = slack.New(opts.Token, apiOpts...)
	}
	return n
}

// Enabled reports whether a delivery path is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" || n.api != nil }

// Notify implements notify.Sink.
func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	blocks := buildBlocks(note)
	fallback := fmt.Sprintf("%s %s", emoji(note), note.Title)

	switch {
	case n.webhookURL != "":
		msg := &slack.WebhookMessage{Text: fallback, Blocks: &slack.Blocks{BlockSet: blocks}}
		if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
			return fmt.Errorf("slack: post webhook: %w", err)
		}
	case n.api != nil:
		if _, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(fallback, false),
			slack.MsgOptionBlocks(blocks...),
		); err != nil {
			return fmt.Errorf("slack: post message: %w", err)
		}
	}
	return nil
}

func buildBlocks(n notify.Notification) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		truncate(fmt.Sprintf("%s %s", emoji(n), n.Title), maxHeaderLen), true, false))

	var fields []*slack.TextBlockObject
	for _, k := range n.SortedKeys() {
		if len(fields) == maxFields {
			break
		}
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			truncate(fmt.Sprintf("*%s:* %v", k, n.Fields[k]), maxFieldLen), false, false))
	}
	if len(fields) == 0 {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "_No details._", false, false))
	}

	ts := n.Time
	ctxText := fmt.Sprintf("warden • %s • %s", n.Topic, n.Priority)
	if !ts.IsZero() {
		ctxText += " • " + ts.UTC().Format("2006-01-02 15:04 UTC")
	}

	return []slack.Block{
		header,
		slack.NewDividerBlock(),
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewDividerBlock(),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, ctxText, false, false)),
	}
}

func emoji(n notify.Notification) string {
	switch {
	case n.High():
		return "\U0001f534" // red circle
	case strings.HasPrefix(n.Topic, "optimizer."):
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

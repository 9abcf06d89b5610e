// Package discord delivers notifications to Discord channel webhooks and to
// users by bot direct message.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"articlecast/internal/channel/rest"
	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

const (
	DefaultBaseURL    = "https://discord.com/api/v10"
	DefaultRatePerSec = 5
	DefaultBatchSize  = 10

	maxTitle       = 256
	maxDescription = 4096
	maxContent     = 2000
	embedColor     = 0xFF9900
)

type Config struct {
	// BotToken authorizes direct messages. Required when DMEnabled.
	BotToken  string
	DMEnabled bool
	// Webhooks are channel webhook URLs that receive every article.
	Webhooks []string
	// AlertWebhook receives operator alerts from the log sink.
	AlertWebhook string

	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	BatchSize  int
}

type Adapter struct {
	cfg   Config
	api   *rest.Client // bot-authorized Discord REST
	hooks *rest.Client // unauthenticated webhook posts
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.BotToken = strings.TrimSpace(cfg.BotToken)
	if cfg.DMEnabled && cfg.BotToken == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelDiscord, "discord.bot_token is required for direct messages")
	}
	var hooks []string
	for _, h := range cfg.Webhooks {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !IsWebhook(h) {
			return nil, delivery.NewConfiguration(delivery.ChannelDiscord, "discord webhook must be an https URL: "+h)
		}
		hooks = append(hooks, h)
	}
	cfg.Webhooks = hooks
	if !cfg.DMEnabled && len(cfg.Webhooks) == 0 && cfg.AlertWebhook == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelDiscord, "discord needs direct messages or at least one webhook")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var h http.Header
	if cfg.BotToken != "" {
		h = http.Header{"Authorization": {"Bot " + cfg.BotToken}}
	}
	return &Adapter{
		cfg:   cfg,
		api:   rest.New(cfg.BaseURL, cfg.Timeout, h),
		hooks: rest.New("", cfg.Timeout, nil),
		log:   log.With(logx.String("comp", "discord")),
	}, nil
}

// IsWebhook reports whether addr is a webhook URL rather than a user id.
func IsWebhook(addr string) bool {
	return strings.HasPrefix(addr, "https://") || strings.HasPrefix(addr, "http://")
}

func (a *Adapter) Channel() delivery.Channel { return delivery.ChannelDiscord }
func (a *Adapter) RatePerSec() float64       { return a.cfg.RatePerSec }
func (a *Adapter) BatchSize() int            { return a.cfg.BatchSize }
func (a *Adapter) DMEnabled() bool           { return a.cfg.DMEnabled }

// WebhookTargets returns the configured channel webhooks as recipients.
func (a *Adapter) WebhookTargets() []delivery.Recipient {
	out := make([]delivery.Recipient, 0, len(a.cfg.Webhooks))
	for _, h := range a.cfg.Webhooks {
		out = append(out, delivery.Recipient{Address: h})
	}
	return out
}

type embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
}

type messageBody struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type message struct {
	ID string `json:"id"`
}

type dmChannelBody struct {
	RecipientID string `json:"recipient_id"`
}

type dmChannel struct {
	ID string `json:"id"`
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func render(p delivery.Payload) messageBody {
	desc := p.Summary
	if desc == "" {
		desc = p.Text
	}
	return messageBody{Embeds: []embed{{
		Title:       clip(p.Title, maxTitle),
		Description: clip(desc, maxDescription),
		URL:         p.URL,
		Color:       embedColor,
	}}}
}

// Send posts to a webhook when the address is a URL, otherwise opens a DM
// channel with the user id and posts there.
func (a *Adapter) Send(ctx context.Context, to delivery.Recipient, p delivery.Payload) (delivery.Receipt, error) {
	addr := strings.TrimSpace(to.Address)
	if addr == "" {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelDiscord, "InvalidRecipient", "empty discord address", nil)
	}
	if IsWebhook(addr) {
		return a.sendWebhook(ctx, addr, render(p))
	}
	return a.sendDM(ctx, addr, render(p))
}

func (a *Adapter) sendWebhook(ctx context.Context, hook string, body messageBody) (delivery.Receipt, error) {
	var out message
	_, err := a.hooks.PostJSON(ctx, withWait(hook), body, &out)
	if err != nil {
		return delivery.Receipt{}, a.wrap(err, false)
	}
	return delivery.Receipt{ProviderMessageID: out.ID}, nil
}

func (a *Adapter) sendDM(ctx context.Context, userID string, body messageBody) (delivery.Receipt, error) {
	if !a.cfg.DMEnabled {
		return delivery.Receipt{}, delivery.NewConfiguration(delivery.ChannelDiscord, "direct messages are disabled")
	}
	var ch dmChannel
	if _, err := a.api.PostJSON(ctx, "/users/@me/channels", dmChannelBody{RecipientID: userID}, &ch); err != nil {
		return delivery.Receipt{}, a.wrap(err, true)
	}
	if ch.ID == "" {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelDiscord, "NoDMChannel", "dm channel not created for "+userID, nil)
	}
	var out message
	if _, err := a.api.PostJSON(ctx, "/channels/"+ch.ID+"/messages", body, &out); err != nil {
		return delivery.Receipt{}, a.wrap(err, false)
	}
	return delivery.Receipt{ProviderMessageID: out.ID}, nil
}

// SendAlert posts plain text to the alert webhook.
func (a *Adapter) SendAlert(ctx context.Context, text string) error {
	if a.cfg.AlertWebhook == "" {
		return nil
	}
	_, err := a.hooks.PostJSON(ctx, a.cfg.AlertWebhook, messageBody{Content: clip(text, maxContent)}, nil)
	return err
}

func withWait(hook string) string {
	if strings.Contains(hook, "wait=") {
		return hook
	}
	if strings.Contains(hook, "?") {
		return hook + "&wait=true"
	}
	return hook + "?wait=true"
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
}

// wrap converts a REST failure. A 4xx while opening a DM channel (the user
// refuses DMs, unknown user) is terminal; 429 and 5xx keep the shared
// classification.
func (a *Adapter) wrap(err error, dmCreate bool) *delivery.Error {
	e := delivery.Wrap(delivery.ChannelDiscord, err, a.Classify)
	var se *rest.StatusError
	if !errors.As(err, &se) {
		return e
	}
	e.ProviderCode = strconv.Itoa(se.Status)
	e.Message = se.Body
	if se.Status == http.StatusTooManyRequests {
		e.RetryAfter = retryAfter(se)
		return e
	}
	if dmCreate {
		if se.Status >= 400 && se.Status < 500 {
			e.Kind = delivery.Terminal
		}
		e.Message = "open dm channel: " + se.Body
	}
	return e
}

// retryAfter prefers the Retry-After header and falls back to the JSON
// retry_after field, both in seconds.
func retryAfter(se *rest.StatusError) time.Duration {
	if se.RetryAfter > 0 {
		return se.RetryAfter
	}
	var b rateLimitBody
	if err := json.Unmarshal([]byte(se.Body), &b); err == nil && b.RetryAfter > 0 {
		if d, ok := rest.ParseRetryAfter(strconv.FormatFloat(b.RetryAfter, 'f', -1, 64)); ok {
			return d
		}
	}
	return 0
}

func (a *Adapter) Classify(err error) delivery.Kind {
	if k, ok := delivery.ClassifyCommon(err); ok {
		return k
	}
	var se *rest.StatusError
	if errors.As(err, &se) {
		return delivery.ClassifyStatus(se.Status)
	}
	return delivery.Transient
}

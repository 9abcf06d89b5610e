package delivery

import (
	"context"
	"strings"
	"time"
)

// Channel names an outbound delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelLINE    Channel = "line"
	ChannelDiscord Channel = "discord"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelLINE, ChannelDiscord}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelLINE, ChannelDiscord:
		return true
	}
	return false
}

// Recipient identifies one destination on a channel.
//
// Address is channel specific: an email address, a LINE user id, a Discord
// user id, or a Discord webhook URL. UserID is the portal user the address
// belongs to and is empty for shared targets such as channel webhooks.
type Recipient struct {
	UserID  string `json:"user_id,omitempty"`
	Address string `json:"address"`
}

// Article is the published-article event that starts a broadcast.
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url"`
	Category    string    `json:"category,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Payload is the rendered, channel-agnostic content of a notification.
// Adapters pick the fields they need.
type Payload struct {
	ArticleID string `json:"article_id"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	URL       string `json:"url"`
	Text      string `json:"text"`
	HTML      string `json:"html,omitempty"`
}

// Request is one logical send: a payload for a recipient on a channel.
type Request struct {
	Recipient Recipient `json:"recipient"`
	Channel   Channel   `json:"channel"`
	Payload   Payload   `json:"payload"`
	DedupeKey string    `json:"dedupe_key"`
}

// DedupeKey builds the identity of a logical send. The same key is reused on
// replay so a delivery is never counted twice.
func DedupeKey(articleID string, r Recipient, ch Channel) string {
	return strings.Join([]string{articleID, r.Address, string(ch)}, "|")
}

// NewRequest builds a request with its dedupe key filled in.
func NewRequest(r Recipient, ch Channel, p Payload) Request {
	return Request{Recipient: r, Channel: ch, Payload: p, DedupeKey: DedupeKey(p.ArticleID, r, ch)}
}

// Receipt is what a provider returns on success.
type Receipt struct {
	ProviderMessageID string
}

// Outcome is the settled result of a request, success or failure.
type Outcome struct {
	Request           Request
	Success           bool
	ProviderMessageID string
	Attempts          int
	// Duplicate is set when the dedupe key was already delivered and the
	// provider was not called.
	Duplicate bool
	Err       *Error
}

// Kind returns the failure kind, or the empty string on success.
func (o Outcome) Kind() Kind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// Adapter is the uniform contract of a provider integration.
//
// Send must return a *Error (or an error wrapping one) on failure; Classify
// maps any error, including ones Send did not produce (context errors, rate
// limiter rejections), onto a Kind.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, to Recipient, p Payload) (Receipt, error)
	Classify(err error) Kind
}

// Limits is implemented by adapters that carry provider throughput limits.
type Limits interface {
	RatePerSec() float64
	BatchSize() int
}

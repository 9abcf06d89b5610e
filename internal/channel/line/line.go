// Package line delivers notifications through the LINE Messaging API.
package line

import (
	"context"
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
	DefaultBaseURL    = "https://api.line.me"
	DefaultRatePerSec = 50
	DefaultBatchSize  = 50

	// MaxTextLen is the LINE text message limit in characters.
	MaxTextLen = 2000
	// MaxMulticast is the recipient limit of one multicast call.
	MaxMulticast = 500
)

type Config struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	BatchSize  int
}

type Adapter struct {
	cfg    Config
	client *rest.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelLINE, "line.token is required")
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
	h := http.Header{"Authorization": {"Bearer " + cfg.Token}}
	return &Adapter{
		cfg:    cfg,
		client: rest.New(cfg.BaseURL, cfg.Timeout, h),
		log:    log.With(logx.String("comp", "line")),
	}, nil
}

func (a *Adapter) Channel() delivery.Channel { return delivery.ChannelLINE }
func (a *Adapter) RatePerSec() float64       { return a.cfg.RatePerSec }
func (a *Adapter) BatchSize() int            { return a.cfg.BatchSize }

// Truncate caps s at MaxTextLen characters, replacing the tail with "..."
// when it is longer.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxTextLen-3]) + "..."
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pushBody struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type multicastBody struct {
	To       []string      `json:"to"`
	Messages []textMessage `json:"messages"`
}

type replyBody struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

type sentResponse struct {
	SentMessages []struct {
		ID string `json:"id"`
	} `json:"sentMessages"`
}

func messages(p delivery.Payload) []textMessage {
	text := p.Text
	if text == "" {
		text = strings.TrimSpace(p.Title + "\n" + p.URL)
	}
	return []textMessage{{Type: "text", Text: Truncate(text)}}
}

// Send pushes one text message to a LINE user id.
func (a *Adapter) Send(ctx context.Context, to delivery.Recipient, p delivery.Payload) (delivery.Receipt, error) {
	id := strings.TrimSpace(to.Address)
	if id == "" {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelLINE, "InvalidRecipient", "empty LINE user id", nil)
	}
	var out sentResponse
	resp, err := a.client.PostJSON(ctx, "/v2/bot/message/push", pushBody{To: id, Messages: messages(p)}, &out)
	if err != nil {
		return delivery.Receipt{}, a.wrap(err)
	}
	return delivery.Receipt{ProviderMessageID: messageID(out, resp)}, nil
}

// Multicast sends the same message to up to MaxMulticast user ids in one
// call.
func (a *Adapter) Multicast(ctx context.Context, ids []string, p delivery.Payload) (delivery.Receipt, error) {
	if len(ids) == 0 {
		return delivery.Receipt{}, nil
	}
	if len(ids) > MaxMulticast {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelLINE, "TooManyRecipients", "multicast accepts at most "+strconv.Itoa(MaxMulticast)+" ids", nil)
	}
	resp, err := a.client.PostJSON(ctx, "/v2/bot/message/multicast", multicastBody{To: ids, Messages: messages(p)}, nil)
	if err != nil {
		return delivery.Receipt{}, a.wrap(err)
	}
	return delivery.Receipt{ProviderMessageID: resp.Header.Get("X-Line-Request-Id")}, nil
}

// Reply answers a webhook event with its reply token.
func (a *Adapter) Reply(ctx context.Context, replyToken string, p delivery.Payload) (delivery.Receipt, error) {
	if strings.TrimSpace(replyToken) == "" {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelLINE, "InvalidReplyToken", "empty reply token", nil)
	}
	var out sentResponse
	resp, err := a.client.PostJSON(ctx, "/v2/bot/message/reply", replyBody{ReplyToken: replyToken, Messages: messages(p)}, &out)
	if err != nil {
		return delivery.Receipt{}, a.wrap(err)
	}
	return delivery.Receipt{ProviderMessageID: messageID(out, resp)}, nil
}

func messageID(out sentResponse, resp rest.Response) string {
	if len(out.SentMessages) > 0 && out.SentMessages[0].ID != "" {
		return out.SentMessages[0].ID
	}
	if resp.Header != nil {
		return resp.Header.Get("X-Line-Request-Id")
	}
	return ""
}

func (a *Adapter) wrap(err error) *delivery.Error {
	e := delivery.Wrap(delivery.ChannelLINE, err, a.Classify)
	var se *rest.StatusError
	if errors.As(err, &se) {
		e.ProviderCode = strconv.Itoa(se.Status)
		e.Message = se.Body
		if se.Status == http.StatusTooManyRequests {
			e.RetryAfter = se.RetryAfter
		}
	}
	return e
}

// Classify applies the shared HTTP rule: 429 and 5xx are transient, 400,
// 401 and every other 4xx are terminal.
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

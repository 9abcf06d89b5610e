package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"articlecast/internal/delivery"
	"articlecast/internal/notifier"
	logx "articlecast/pkg/logx"
)

// ErrPoison marks a message that can never be broadcast. It is committed
// and skipped.
var ErrPoison = errors.New("poison message")

// Config selects the topic carrying published-article events.
type Config struct {
	Brokers       []string
	GroupID       string
	Topic         string
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
	HandleTimeout time.Duration
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Broadcaster runs a broadcast for one article.
type Broadcaster interface {
	BroadcastNewArticle(ctx context.Context, art delivery.Article) (notifier.Summary, error)
}

// NewReader builds a consumer-group reader for cfg.Topic.
func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	minBytes, maxBytes, maxWait := cfg.MinBytes, cfg.MaxBytes, cfg.MaxWait
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  maxWait,
		// Offsets are committed explicitly after each broadcast.
		CommitInterval: 0,
	}), nil
}

// Consumer turns topic messages into broadcasts. A message is committed
// once its broadcast returned; a broadcast that failed for a reason other
// than a bad message leaves the offset in place so the message is read
// again after a restart. Sent markers keep the rerun from double-sending.
type Consumer struct {
	r       Reader
	b       Broadcaster
	log     logx.Logger
	timeout time.Duration
}

func New(r Reader, b Broadcaster, cfg Config, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Consumer{r: r, b: b, log: log.With(logx.String("comp", "ingest")), timeout: timeout}
}

// Run consumes until ctx is canceled or a broadcast fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started")
	defer c.log.Info("consumer stopped")
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := c.Handle(ctx, msg); err != nil && !errors.Is(err, ErrPoison) {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Handle decodes and broadcasts one message. It returns ErrPoison (wrapped)
// for messages that must be skipped.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(logx.Int("partition", msg.Partition), logx.Int64("offset", msg.Offset))
	art, err := Decode(msg.Value)
	if err != nil {
		log.Warn("skipping undecodable message", logx.Err(err))
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	sum, err := c.b.BroadcastNewArticle(hctx, art)
	if errors.Is(err, notifier.ErrInvalidArticle) {
		log.Warn("skipping invalid article", logx.String("article", art.ID), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if err != nil {
		log.Error("broadcast incomplete", logx.String("article", art.ID), logx.Err(err))
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t := sum.Totals()
	log.Info("article broadcast", logx.String("article", art.ID), logx.String("run", sum.RunID),
		logx.Int("sent", t.Sent), logx.Int("queued", t.Queued), logx.Int("failed", t.Failed))
	return nil
}

// Decode parses an article event. The topic belongs to the publisher, so
// fields this service does not know are ignored; required fields are checked
// by the broadcast itself.
func Decode(value []byte) (delivery.Article, error) {
	var art delivery.Article
	if len(bytes.TrimSpace(value)) == 0 {
		return art, fmt.Errorf("%w: empty value", ErrPoison)
	}
	if err := json.NewDecoder(bytes.NewReader(value)).Decode(&art); err != nil {
		return art, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return art, nil
}

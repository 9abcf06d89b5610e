// Package email delivers notifications through Amazon SES v2.
package email

import (
	"context"
	"errors"
	"html"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

const (
	DefaultRatePerSec = 14
	DefaultBatchSize  = 50
)

type Config struct {
	Region           string
	From             string
	ConfigurationSet string
	RatePerSec       float64
	BatchSize        int
}

// SESAPI is the subset of the SES v2 client the adapter calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Adapter struct {
	cfg    Config
	client SESAPI
	log    logx.Logger
}

// New validates cfg and wraps client. Missing sender identity or region is a
// configuration error.
func New(cfg Config, client SESAPI, log logx.Logger) (*Adapter, error) {
	cfg.From = strings.TrimSpace(cfg.From)
	cfg.Region = strings.TrimSpace(cfg.Region)
	if cfg.From == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelEmail, "email.from is required")
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, delivery.NewConfiguration(delivery.ChannelEmail, "email.from is not an address: "+cfg.From)
	}
	if cfg.Region == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelEmail, "email.region is required")
	}
	if client == nil {
		return nil, delivery.NewConfiguration(delivery.ChannelEmail, "ses client is nil")
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
	return &Adapter{cfg: cfg, client: client, log: log.With(logx.String("comp", "email"))}, nil
}

// NewFromAWS loads the default AWS credential chain for cfg.Region.
func NewFromAWS(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, delivery.NewConfiguration(delivery.ChannelEmail, "email.region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		e := delivery.NewConfiguration(delivery.ChannelEmail, "load aws config: "+err.Error())
		e.Err = err
		return nil, e
	}
	return New(cfg, sesv2.NewFromConfig(awsCfg), log)
}

func (a *Adapter) Channel() delivery.Channel { return delivery.ChannelEmail }
func (a *Adapter) RatePerSec() float64       { return a.cfg.RatePerSec }
func (a *Adapter) BatchSize() int            { return a.cfg.BatchSize }

func (a *Adapter) Send(ctx context.Context, to delivery.Recipient, p delivery.Payload) (delivery.Receipt, error) {
	addr := strings.TrimSpace(to.Address)
	if addr == "" || !strings.Contains(addr, "@") {
		return delivery.Receipt{}, delivery.NewTerminal(delivery.ChannelEmail, "InvalidRecipient", "not an email address: "+addr, nil)
	}
	subject := p.Title
	if subject == "" {
		subject = "New article"
	}
	body := p.HTML
	if body == "" {
		body = "<p>" + html.EscapeString(p.Text) + "</p>"
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(a.cfg.From),
		Destination:      &types.Destination{ToAddresses: []string{addr}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(p.Text), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if a.cfg.ConfigurationSet != "" {
		in.ConfigurationSetName = aws.String(a.cfg.ConfigurationSet)
	}

	out, err := a.client.SendEmail(ctx, in)
	if err != nil {
		return delivery.Receipt{}, a.wrap(err)
	}
	return delivery.Receipt{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

func (a *Adapter) wrap(err error) *delivery.Error {
	e := delivery.Wrap(delivery.ChannelEmail, err, a.Classify)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.ProviderCode = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
	} else if status := httpStatus(err); status != 0 {
		e.ProviderCode = strconv.Itoa(status)
	}
	return e
}

var (
	transientCodes = map[string]bool{
		"TooManyRequestsException": true,
		"LimitExceededException":   true,
		"ThrottlingException":      true,
		"Throttling":               true,
		"InternalFailure":          true,
		"ServiceUnavailable":       true,
		"RequestTimeout":           true,
	}
	terminalCodes = map[string]bool{
		"MessageRejected":                    true,
		"MailFromDomainNotVerifiedException": true,
		"BadRequestException":                true,
		"NotFoundException":                  true,
		"AccountSuspendedException":          true,
		"SendingPausedException":             true,
		"InvalidParameterValue":              true,
	}
)

// Classify maps SES and transport errors onto delivery kinds.
func (a *Adapter) Classify(err error) delivery.Kind {
	if k, ok := delivery.ClassifyCommon(err); ok {
		return k
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return delivery.Transient
		case terminalCodes[code]:
			return delivery.Terminal
		}
		if status := httpStatus(err); status != 0 {
			return delivery.ClassifyStatus(status)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return delivery.Terminal
		}
		return delivery.Transient
	}
	if status := httpStatus(err); status != 0 {
		return delivery.ClassifyStatus(status)
	}
	return delivery.Transient
}

func httpStatus(err error) int {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

type fakeSES struct {
	in  []*sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = append(f.in, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	cases := []Config{
		{Region: "ap-northeast-1"},
		{From: "noreply@example.com"},
		{From: "noreply", Region: "ap-northeast-1"},
	}
	for _, cfg := range cases {
		_, err := New(cfg, &fakeSES{}, logx.Nop())
		if !delivery.IsConfiguration(err) {
			t.Fatalf("%+v: expected configuration error, got %v", cfg, err)
		}
	}
	a, err := New(Config{From: "noreply@example.com", Region: "ap-northeast-1"}, &fakeSES{}, logx.Nop())
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if a.RatePerSec() != 14 || a.BatchSize() != 50 {
		t.Fatalf("defaults: rate=%v batch=%d", a.RatePerSec(), a.BatchSize())
	}
}

func TestSendBuildsMessage(t *testing.T) {
	t.Parallel()
	ses := &fakeSES{}
	a, err := New(Config{From: "noreply@example.com", Region: "ap-northeast-1", ConfigurationSet: "portal"}, ses, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	rc, err := a.Send(context.Background(), delivery.Recipient{Address: "u1@example.com"}, delivery.Payload{Title: "EKS news", Text: "a & b"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rc.ProviderMessageID != "msg-1" {
		t.Fatalf("message id=%q", rc.ProviderMessageID)
	}
	in := ses.in[0]
	if got := in.Destination.ToAddresses; len(got) != 1 || got[0] != "u1@example.com" {
		t.Fatalf("to=%v", got)
	}
	if aws.ToString(in.Content.Simple.Subject.Data) != "EKS news" {
		t.Fatalf("subject=%q", aws.ToString(in.Content.Simple.Subject.Data))
	}
	if aws.ToString(in.Content.Simple.Body.Html.Data) != "<p>a &amp; b</p>" {
		t.Fatalf("html=%q", aws.ToString(in.Content.Simple.Body.Html.Data))
	}
	if aws.ToString(in.ConfigurationSetName) != "portal" {
		t.Fatalf("configuration set not applied")
	}
}

func TestSendClassifiesProviderErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		kind delivery.Kind
		code string
	}{
		{&smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}, delivery.Transient, "TooManyRequestsException"},
		{&smithy.GenericAPIError{Code: "MessageRejected", Message: "rejected"}, delivery.Terminal, "MessageRejected"},
		{&smithy.GenericAPIError{Code: "MailFromDomainNotVerifiedException"}, delivery.Terminal, "MailFromDomainNotVerifiedException"},
		{&smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultClient}, delivery.Terminal, "Weird"},
		{&smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, delivery.Transient, "Weird"},
		{context.DeadlineExceeded, delivery.Transient, ""},
		{errors.New("connection reset"), delivery.Transient, ""},
	}
	for _, tc := range cases {
		a, _ := New(Config{From: "noreply@example.com", Region: "us-east-1"}, &fakeSES{err: tc.err}, logx.Nop())
		_, err := a.Send(context.Background(), delivery.Recipient{Address: "u@example.com"}, delivery.Payload{Text: "x"})
		de, ok := delivery.AsError(err)
		if !ok {
			t.Fatalf("%v: not a delivery error: %T", tc.err, err)
		}
		if de.Kind != tc.kind || de.ProviderCode != tc.code {
			t.Fatalf("%v: got kind=%s code=%q, want %s %q", tc.err, de.Kind, de.ProviderCode, tc.kind, tc.code)
		}
	}
}

func TestSendRejectsBadAddress(t *testing.T) {
	t.Parallel()
	ses := &fakeSES{}
	a, _ := New(Config{From: "noreply@example.com", Region: "us-east-1"}, ses, logx.Nop())
	_, err := a.Send(context.Background(), delivery.Recipient{Address: "not-an-address"}, delivery.Payload{})
	if de, ok := delivery.AsError(err); !ok || de.Kind != delivery.Terminal {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if len(ses.in) != 0 {
		t.Fatalf("provider must not be called")
	}
}

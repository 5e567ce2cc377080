package sender

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"referlane/internal/domain"
	"referlane/internal/observability"
	"referlane/internal/store"
	"referlane/internal/util"
)

// SmsSender and EmailSender are the narrow capabilities injected at startup.
// Tests substitute fakes; production uses the twilio and ses adapters.
type SmsSender interface {
	SendSMS(ctx context.Context, to, body string) (providerMsgID string, err error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) (providerMsgID string, err error)
}

// EmailRenderer builds the outbound email from the campaign's brand snapshot
// and the message row. A pure function: the branded HTML pipeline lives
// outside this service.
type EmailRenderer func(c store.Campaign, msg store.CampaignMessage) (subject, html, text string)

type FailureClass string

const (
	FailValidation    FailureClass = "validation"
	FailConfiguration FailureClass = "configuration"
	FailProvider      FailureClass = "provider"
)

// Outcome is the result of one dispatch attempt. Transient means the send
// never reached the provider (circuit open, limiter starved) and the claim
// should be released rather than the message failed.
type Outcome struct {
	Sent          bool
	ProviderMsgID string
	Class         FailureClass
	Reason        string
	Transient     bool
}

func failed(class FailureClass, reason string) Outcome {
	return Outcome{Class: class, Reason: reason}
}

type channel struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher routes a claimed message to the right provider, with per-channel
// rate limiting and circuit breaking. A nil sender means the channel's
// credentials are absent; its messages fail as unconfigured without aborting
// anything else.
type Dispatcher struct {
	SMS    SmsSender
	Email  EmailSender
	Render EmailRenderer

	sms   channel
	email channel
}

func New(sms SmsSender, email EmailSender, smsLimiter, emailLimiter *rate.Limiter) *Dispatcher {
	return &Dispatcher{
		SMS:    sms,
		Email:  email,
		Render: DefaultRenderer,
		sms: channel{
			limiter: smsLimiter,
			breaker: newBreaker("sms"),
		},
		email: channel{
			limiter: emailLimiter,
			breaker: newBreaker("email"),
		},
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
}

func (d *Dispatcher) Dispatch(ctx context.Context, campaign store.Campaign, msg store.CampaignMessage) Outcome {
	if msg.ToAddress == "" {
		return failed(FailValidation, "missing_destination")
	}
	if msg.MessageBody == "" {
		return failed(FailValidation, "empty_body")
	}

	switch msg.Channel {
	case domain.ChannelSMS:
		if d.SMS == nil {
			return failed(FailConfiguration, "sms_not_configured")
		}
		return d.call(ctx, d.sms, string(msg.Channel), func(callCtx context.Context) (string, error) {
			return d.SMS.SendSMS(callCtx, util.NormalizePhone(msg.ToAddress), msg.MessageBody)
		})

	case domain.ChannelEmail:
		if d.Email == nil {
			return failed(FailConfiguration, "email_not_configured")
		}
		subject, html, text := d.Render(campaign, msg)
		return d.call(ctx, d.email, string(msg.Channel), func(callCtx context.Context) (string, error) {
			return d.Email.SendEmail(callCtx, msg.ToAddress, subject, html, text)
		})

	default:
		return failed(FailValidation, "unknown_channel")
	}
}

func (d *Dispatcher) call(ctx context.Context, ch channel, name string, send func(context.Context) (string, error)) Outcome {
	if ch.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := ch.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.Dispatches.WithLabelValues(name, "rate_limited_local").Inc()
			return Outcome{Transient: true, Reason: "rate_limited_local"}
		}
	}

	start := time.Now()
	res, err := ch.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		defer cancel()
		return send(callCtx)
	})
	observability.ProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.Dispatches.WithLabelValues(name, "cb_open").Inc()
		return Outcome{Transient: true, Reason: "circuit_open"}
	}
	if err != nil {
		observability.Dispatches.WithLabelValues(name, "error").Inc()
		return failed(FailProvider, err.Error())
	}

	observability.Dispatches.WithLabelValues(name, "ok").Inc()
	return Outcome{Sent: true, ProviderMsgID: res.(string)}
}

// DefaultRenderer turns the frozen brand snapshot into a plain reward email.
// Editing business settings after the campaign was created has no effect
// here: only snapshot fields feed the template.
func DefaultRenderer(c store.Campaign, msg store.CampaignMessage) (subject, html, text string) {
	vars := map[string]string{
		"business":      c.SnapshotBusinessName,
		"reward":        c.SnapshotRewardText,
		"referral_link": msg.ReferralLink,
	}
	subject = util.RenderTemplate("{business} has a reward for you", vars)
	text = util.RenderTemplate(msg.MessageBody, vars)
	if msg.ReferralLink != "" {
		text += "\n\n" + msg.ReferralLink
	}
	html = "<p>" + text + "</p>"
	return subject, html, text
}

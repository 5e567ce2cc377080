package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID. ULIDs sort by creation time, which keeps
// DB indexes and event feeds in order without a separate sequence.
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string    { return NewID("msg") }
func NewEventID() string      { return NewID("evt") }
func NewRedemptionID() string { return NewID("red") }
func NewReferralID() string   { return NewID("ref") }

// RenderTemplate does simple {var} replacement. The full branded HTML email
// renderer lives outside this service; this covers subject lines and sms
// bodies built from campaign snapshots.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func NormalizePhone(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

package store

import (
	"time"

	"github.com/shopspring/decimal"

	"referlane/internal/domain"
)

type CampaignMessage struct {
	ID            string
	CampaignID    string
	BusinessID    string
	CustomerID    string
	Channel       domain.Channel
	ToAddress     string
	MessageBody   string
	ReferralLink  string
	Metadata      map[string]string
	Status        domain.MessageStatus
	Attempts      int
	LastAttemptAt *time.Time
	ScheduledAt   *time.Time
	LastError     string
	CreatedAt     time.Time
}

type Campaign struct {
	ID              string
	BusinessID      string
	Name            string
	Channel         domain.Channel
	Status          domain.CampaignStatus
	TotalRecipients int
	SentCount       int
	FailedCount     int

	// Brand/reward snapshot frozen at creation time so later settings edits
	// do not alter what recipients were promised.
	SnapshotBusinessName string
	SnapshotRewardText   string
	SnapshotLogoURL      string

	CreatedAt time.Time
}

type Business struct {
	ID             string
	Name           string
	DiscountSecret string
	RewardType     domain.RewardType
	RewardAmount   decimal.Decimal
}

type Ambassador struct {
	ID            string
	BusinessID    string
	Name          string
	DiscountCode  string
	CreditBalance decimal.Decimal
}

type SentUpdate struct {
	MessageID     string
	CampaignID    string
	BusinessID    string
	ProviderMsgID string
	EventID       string
	Now           time.Time
}

type FailedUpdate struct {
	MessageID  string
	CampaignID string
	BusinessID string
	Reason     string
	EventID    string
	Now        time.Time
}

// CampaignProgress is a point-in-time count of a campaign's messages by
// state, read inside the finalizer so interleaved batch runs stay correct.
type CampaignProgress struct {
	InFlight int
	Sent     int
	Failed   int
}

type ConversionInsert struct {
	RedemptionID   string
	ReferralID     string
	BusinessID     string
	AmbassadorID   string
	OrderReference string
	DiscountCode   string
	Amount         decimal.Decimal
	Reward         decimal.Decimal
	Source         string
	EventID        string
	Now            time.Time
}

type EventInsert struct {
	ID           string
	BusinessID   string
	AmbassadorID string
	EventType    string
	Metadata     map[string]string
	Now          time.Time
}

type Event struct {
	ID           string
	BusinessID   string
	AmbassadorID string
	EventType    string
	Metadata     map[string]string
	CreatedAt    time.Time
}

package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageDelivered MessageStatus = "delivered"
)

// Terminal reports whether no further automatic transition applies.
func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageFailed || s == MessageDelivered
}

type CampaignStatus string

const (
	CampaignQueued    CampaignStatus = "queued"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPartial   CampaignStatus = "partial"
)

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
)

const (
	EventMessageSent         = "campaign_message_sent"
	EventMessageFailed       = "campaign_message_failed"
	EventCampaignCompleted   = "campaign_completed"
	EventConversionCompleted = "conversion_completed"
)

type RewardType string

const (
	RewardCredit     RewardType = "credit"
	RewardPercentage RewardType = "percentage"
)

// RewardFor computes the credit earned for a converted order. Flat credit
// ignores the order amount; percentage rewards are amount * rate / 100.
func (t RewardType) RewardFor(rewardAmount, orderAmount decimal.Decimal) decimal.Decimal {
	if t == RewardPercentage {
		return orderAmount.Mul(rewardAmount).Div(decimal.NewFromInt(100))
	}
	return rewardAmount
}

type RedeemRequest struct {
	DiscountCode   string          `json:"discountCode"`
	OrderReference string          `json:"orderReference"`
	Amount         decimal.Decimal `json:"amount"`
	Source         string          `json:"source,omitempty"`
}

func (r RedeemRequest) Validate() error {
	if r.DiscountCode == "" || r.OrderReference == "" {
		return ErrMissingFields
	}
	if r.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

var (
	ErrMissingFields  = errors.New("missing required fields")
	ErrNegativeAmount = errors.New("amount must not be negative")
)

type RedeemResponse struct {
	RedemptionID string          `json:"redemptionId,omitempty"`
	Duplicate    bool            `json:"duplicate"`
	Reward       decimal.Decimal `json:"reward"`
	AmbassadorID string          `json:"ambassadorId"`
}

type BatchResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

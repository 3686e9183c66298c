// Package event defines the domain events that feed the notification
// dispatch pipeline: the closed type enum, priority classes, and the
// typed payloads paired with each type.
package event

import (
	"encoding/json"
	"time"
)

// Priority is the lane a job is queued into. Lower value = served first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Type identifies a notification kind. The set is closed: the builder
// registry and the priority router are verified against Types() at startup.
type Type string

const (
	TypePostLiked             Type = "POST_LIKED"
	TypePostCommented         Type = "POST_COMMENTED"
	TypeDonationReceived      Type = "DONATION_RECEIVED"
	TypeDisbursementCompleted Type = "DISBURSEMENT_COMPLETED"
	TypeDisbursementFailed    Type = "DISBURSEMENT_FAILED"
	TypeCampaignApproved      Type = "CAMPAIGN_APPROVED"
	TypeCampaignRejected      Type = "CAMPAIGN_REJECTED"
	TypeCampaignTargetReached Type = "CAMPAIGN_TARGET_REACHED"
)

// Types returns every known notification type.
func Types() []Type {
	return []Type{
		TypePostLiked,
		TypePostCommented,
		TypeDonationReceived,
		TypeDisbursementCompleted,
		TypeDisbursementFailed,
		TypeCampaignApproved,
		TypeCampaignRejected,
		TypeCampaignTargetReached,
	}
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the ingress unit of the dispatch pipeline. EventID is the
// business-level idempotency key (distinct from any transport message id).
// Data holds the JSON payload whose shape is paired with Type; builders
// decode and validate it.
type Event struct {
	EventID      string          `json:"event_id"`
	Type         Type            `json:"type"`
	Priority     Priority        `json:"priority"`
	UserID       string          `json:"user_id"`
	ActorID      string          `json:"actor_id,omitempty"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id,omitempty"`
	Data         json.RawMessage `json:"data"`
	Timestamp    time.Time       `json:"timestamp"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
}

// PostLikedData is the payload for TypePostLiked. LikeCount is a hint
// captured at trigger time; the worker re-reads the live count before
// building, because coalesced triggers only keep the last payload.
type PostLikedData struct {
	LikeCount int    `json:"like_count"`
	PostTitle string `json:"post_title" validate:"required"`
	LikerName string `json:"liker_name"`
}

// PostCommentedData is the payload for TypePostCommented.
type PostCommentedData struct {
	CommenterName string `json:"commenter_name" validate:"required"`
	CommentText   string `json:"comment_text" validate:"required"`
	PostTitle     string `json:"post_title" validate:"required"`
}

// DonationReceivedData is the payload for TypeDonationReceived.
// Amount is in whole currency units.
type DonationReceivedData struct {
	DonorName     string `json:"donor_name"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	CampaignTitle string `json:"campaign_title" validate:"required"`
	Anonymous     bool   `json:"anonymous"`
}

// DisbursementCompletedData is the payload for TypeDisbursementCompleted.
type DisbursementCompletedData struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	CampaignTitle string `json:"campaign_title" validate:"required"`
}

// DisbursementFailedData is the payload for TypeDisbursementFailed.
type DisbursementFailedData struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	CampaignTitle string `json:"campaign_title" validate:"required"`
	Reason        string `json:"reason"`
}

// CampaignApprovedData is the payload for TypeCampaignApproved.
type CampaignApprovedData struct {
	CampaignTitle string `json:"campaign_title" validate:"required"`
}

// CampaignRejectedData is the payload for TypeCampaignRejected.
type CampaignRejectedData struct {
	CampaignTitle string `json:"campaign_title" validate:"required"`
	Reason        string `json:"reason"`
}

// CampaignTargetReachedData is the payload for TypeCampaignTargetReached.
type CampaignTargetReachedData struct {
	CampaignTitle string `json:"campaign_title" validate:"required"`
	TargetAmount  int64  `json:"target_amount" validate:"required,gt=0"`
}

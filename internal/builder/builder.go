// Package builder turns a typed domain event into notification content.
// One builder per event type, registered in a closed package-level map that
// Verify checks against the full type enum at startup, so an unmapped type
// is a boot failure rather than a runtime gap.
package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/givehub/dispatch/internal/event"
)

// ErrInvalidInput indicates a malformed or empty event payload. It is
// non-retryable: the job is dead-lettered immediately without backoff.
var ErrInvalidInput = errors.New("builder: invalid event data")

// maxFreeTextLen bounds user-supplied free text embedded in messages.
const maxFreeTextLen = 80

// Content is what a builder produces. Builders are pure and deterministic:
// identical input yields identical output, so re-running a job after a crash
// before persistence committed is safe.
type Content struct {
	Title    string
	Message  string
	Metadata map[string]any
}

// Func builds content from an event. The event's Data has already been
// matched to the builder by Type.
type Func func(e *event.Event) (*Content, error)

var validate = validator.New()

var registry = map[event.Type]Func{
	event.TypePostLiked:             buildPostLiked,
	event.TypePostCommented:         buildPostCommented,
	event.TypeDonationReceived:      buildDonationReceived,
	event.TypeDisbursementCompleted: buildDisbursementCompleted,
	event.TypeDisbursementFailed:    buildDisbursementFailed,
	event.TypeCampaignApproved:      buildCampaignApproved,
	event.TypeCampaignRejected:      buildCampaignRejected,
	event.TypeCampaignTargetReached: buildCampaignTargetReached,
}

// Build dispatches to the registered builder for e.Type.
func Build(e *event.Event) (*Content, error) {
	fn, ok := registry[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no builder for type %s", ErrInvalidInput, e.Type)
	}
	return fn(e)
}

// Verify checks that every known event type has a builder. Called once at
// startup by both the gateway and the worker.
func Verify() error {
	for _, t := range event.Types() {
		if _, ok := registry[t]; !ok {
			return fmt.Errorf("builder registry incomplete: missing builder for %s", t)
		}
	}
	return nil
}

// decode unmarshals and validates the typed payload for a builder.
// A missing or empty payload is ErrInvalidInput, as is a payload that
// fails field validation.
func decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validate.Struct(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &data, nil
}

// truncate bounds free text at maxFreeTextLen runes, appending a "…"
// suffix when trimmed.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxFreeTextLen {
		return s
	}
	return string(runes[:maxFreeTextLen-1]) + "…"
}

// formatAmount renders a whole-unit currency amount with fixed
// thousands grouping ("1,234,567"). One fixed locale, no ambiguity.
func formatAmount(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func buildPostLiked(e *event.Event) (*Content, error) {
	data, err := decode[event.PostLikedData](e.Data)
	if err != nil {
		return nil, err
	}
	title := truncate(data.PostTitle)
	var msg string
	switch {
	case data.LikeCount <= 0:
		return nil, fmt.Errorf("%w: like_count must be positive", ErrInvalidInput)
	case data.LikeCount == 1 && data.LikerName != "":
		msg = fmt.Sprintf("%s liked your post \"%s\"", truncate(data.LikerName), title)
	case data.LikeCount == 1:
		msg = fmt.Sprintf("Someone liked your post \"%s\"", title)
	default:
		msg = fmt.Sprintf("%s people liked your post \"%s\"", formatAmount(int64(data.LikeCount)), title)
	}
	return &Content{
		Title:   "Your post got a like",
		Message: msg,
		Metadata: map[string]any{
			"like_count": data.LikeCount,
			"post_title": data.PostTitle,
		},
	}, nil
}

func buildPostCommented(e *event.Event) (*Content, error) {
	data, err := decode[event.PostCommentedData](e.Data)
	if err != nil {
		return nil, err
	}
	return &Content{
		Title: "New comment on your post",
		Message: fmt.Sprintf("%s commented on \"%s\": %s",
			truncate(data.CommenterName), truncate(data.PostTitle), truncate(data.CommentText)),
		Metadata: map[string]any{
			"commenter_name": data.CommenterName,
			"post_title":     data.PostTitle,
		},
	}, nil
}

func buildDonationReceived(e *event.Event) (*Content, error) {
	data, err := decode[event.DonationReceivedData](e.Data)
	if err != nil {
		return nil, err
	}
	donor := truncate(data.DonorName)
	if data.Anonymous || donor == "" {
		donor = "An anonymous donor"
	}
	return &Content{
		Title: "New donation received",
		Message: fmt.Sprintf("%s donated $%s to \"%s\"",
			donor, formatAmount(data.Amount), truncate(data.CampaignTitle)),
		Metadata: map[string]any{
			"amount":         data.Amount,
			"campaign_title": data.CampaignTitle,
			"anonymous":      data.Anonymous,
		},
	}, nil
}

func buildDisbursementCompleted(e *event.Event) (*Content, error) {
	data, err := decode[event.DisbursementCompletedData](e.Data)
	if err != nil {
		return nil, err
	}
	return &Content{
		Title: "Disbursement completed",
		Message: fmt.Sprintf("$%s has been disbursed for \"%s\"",
			formatAmount(data.Amount), truncate(data.CampaignTitle)),
		Metadata: map[string]any{
			"amount":         data.Amount,
			"campaign_title": data.CampaignTitle,
		},
	}, nil
}

func buildDisbursementFailed(e *event.Event) (*Content, error) {
	data, err := decode[event.DisbursementFailedData](e.Data)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("The disbursement of $%s for \"%s\" failed",
		formatAmount(data.Amount), truncate(data.CampaignTitle))
	if data.Reason != "" {
		msg += ": " + truncate(data.Reason)
	}
	return &Content{
		Title:   "Disbursement failed",
		Message: msg,
		Metadata: map[string]any{
			"amount":         data.Amount,
			"campaign_title": data.CampaignTitle,
			"reason":         data.Reason,
		},
	}, nil
}

func buildCampaignApproved(e *event.Event) (*Content, error) {
	data, err := decode[event.CampaignApprovedData](e.Data)
	if err != nil {
		return nil, err
	}
	return &Content{
		Title:   "Campaign approved",
		Message: fmt.Sprintf("Your campaign \"%s\" has been approved and is now live", truncate(data.CampaignTitle)),
		Metadata: map[string]any{
			"campaign_title": data.CampaignTitle,
		},
	}, nil
}

func buildCampaignRejected(e *event.Event) (*Content, error) {
	data, err := decode[event.CampaignRejectedData](e.Data)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Your campaign \"%s\" was not approved", truncate(data.CampaignTitle))
	if data.Reason != "" {
		msg += ": " + truncate(data.Reason)
	}
	return &Content{
		Title:   "Campaign rejected",
		Message: msg,
		Metadata: map[string]any{
			"campaign_title": data.CampaignTitle,
			"reason":         data.Reason,
		},
	}, nil
}

func buildCampaignTargetReached(e *event.Event) (*Content, error) {
	data, err := decode[event.CampaignTargetReachedData](e.Data)
	if err != nil {
		return nil, err
	}
	return &Content{
		Title: "Campaign target reached",
		Message: fmt.Sprintf("Your campaign \"%s\" reached its target of $%s",
			truncate(data.CampaignTitle), formatAmount(data.TargetAmount)),
		Metadata: map[string]any{
			"campaign_title": data.CampaignTitle,
			"target_amount":  data.TargetAmount,
		},
	}, nil
}

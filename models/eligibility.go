package models

import (
	"fmt"
	"strings"
)

// Eligibility is the outcome of Evaluate. Reasons lists every rule that failed.
type Eligibility struct {
	ShouldNotify bool                `json:"should_notify"`
	Channel      NotificationChannel `json:"channel"`
	Reasons      []string            `json:"reasons"`
}

// Evaluate decides whether the client of doc should be notified and through which channel.
// It never fails; an ineligible document is a normal outcome.
func Evaluate(doc Document) Eligibility {
	reasons := []string{}

	if !doc.AutoNotify {
		reasons = append(reasons, "auto-notify is disabled")
	}
	if doc.ImmediateHandoff {
		reasons = append(reasons, "document was handed over immediately")
	}
	if doc.Channel == "" || doc.Channel == NotificationChannelNone {
		reasons = append(reasons, "no notification channel configured")
	} else if !doc.Channel.IsValid() {
		reasons = append(reasons, fmt.Sprintf("unknown notification channel %q", doc.Channel))
	}
	if doc.IsDependent() {
		reasons = append(reasons, "dependent documents notify through their principal")
	}
	if doc.Channel == NotificationChannelWhatsapp && doc.ContactFor(doc.Channel) == "" {
		reasons = append(reasons, "client phone is missing")
	}
	if doc.Channel == NotificationChannelEmail && doc.ContactFor(doc.Channel) == "" {
		reasons = append(reasons, "client email is missing")
	}
	if doc.SkipReason != nil && strings.TrimSpace(*doc.SkipReason) != "" {
		reasons = append(reasons, "skipped: "+strings.TrimSpace(*doc.SkipReason))
	}

	if len(reasons) > 0 {
		return Eligibility{ShouldNotify: false, Channel: NotificationChannelNone, Reasons: reasons}
	}
	return Eligibility{ShouldNotify: true, Channel: doc.Channel, Reasons: reasons}
}

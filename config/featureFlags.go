package config

import (
	"os"
	"strings"
	"time"
)

const (
	NotificationModeSimulate = "simulate"
	NotificationModeLive     = "live"
)

// RequireFullPaymentForDelivery refuses handing over a document group while any member still owes money.
//
// Set via env:
// - REQUIRE_FULL_PAYMENT_FOR_DELIVERY=true
func RequireFullPaymentForDelivery() bool {
	return boolFromEnv("REQUIRE_FULL_PAYMENT_FOR_DELIVERY")
}

// NotificationMode selects the gateway wiring. Anything other than "live" simulates.
//
// Set via env:
// - NOTIFICATION_MODE=simulate|live
func NotificationMode() string {
	if strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFICATION_MODE"))) == NotificationModeLive {
		return NotificationModeLive
	}
	return NotificationModeSimulate
}

// MaxCodeAttempts is the number of wrong verification codes tolerated per document within CodeAttemptWindow.
func MaxCodeAttempts() int {
	return intFromEnv("MAX_CODE_ATTEMPTS", 5)
}

func CodeAttemptWindow() time.Duration {
	return time.Duration(intFromEnv("CODE_ATTEMPT_WINDOW_MINUTES", 15)) * time.Minute
}

// DefaultPhoneRegion is used to parse client phone numbers written without a country prefix.
func DefaultPhoneRegion() string {
	return strings.ToUpper(envOr("DEFAULT_PHONE_REGION", "EC"))
}

func NotificationTopic() string {
	return envOr("NOTIFICATION_TOPIC", "notary-notifications")
}

// InProcessSweepEnabled runs the notification sweep inside the HTTP server.
// Disable when a separate `notary-ops sweep --loop` job owns retries.
//
// Set via env:
// - NOTIFICATION_SWEEP_DISABLED=true
func InProcessSweepEnabled() bool {
	return !boolFromEnv("NOTIFICATION_SWEEP_DISABLED")
}

// OpsToken guards /internal/ops routes. Empty means the routes are open (local development).
func OpsToken() string {
	return strings.TrimSpace(os.Getenv("OPS_TOKEN"))
}

package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type NotaryInfo struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Phone   string `mapstructure:"phone"`
}

// NotificationSettings holds message templates (keyed by event type) and dispatch tuning.
type NotificationSettings struct {
	Notary                 NotaryInfo        `mapstructure:"notary"`
	Templates              map[string]string `mapstructure:"templates"`
	MaxAttempts            int               `mapstructure:"max_attempts"`
	BaseBackoffSeconds     int               `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds      int               `mapstructure:"max_backoff_seconds"`
	SendTimeoutSeconds     int               `mapstructure:"send_timeout_seconds"`
	LockTimeoutSeconds     int               `mapstructure:"lock_timeout_seconds"`
	SweepBatchSize         int               `mapstructure:"sweep_batch_size"`
	ReminderOlderThanHours int               `mapstructure:"reminder_older_than_hours"`
}

func (s *NotificationSettings) BaseBackoff() time.Duration {
	return time.Duration(s.BaseBackoffSeconds) * time.Second
}

func (s *NotificationSettings) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

func (s *NotificationSettings) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

func (s *NotificationSettings) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutSeconds) * time.Second
}

func (s *NotificationSettings) ReminderOlderThan() time.Duration {
	return time.Duration(s.ReminderOlderThanHours) * time.Hour
}

func DefaultNotificationSettings() *NotificationSettings {
	return &NotificationSettings{
		Notary: NotaryInfo{
			Name: "Notaría",
		},
		Templates: map[string]string{
			"ready": "{{.NotaryName}}: Estimado/a {{.ClientName}}, su documento {{.DocumentCodes}} está listo para retiro. " +
				"Código de verificación: {{.VerificationCode}}. Presente este código al retirar.",
			"delivered": "{{.NotaryName}}: Estimado/a {{.ClientName}}, su documento {{.DocumentCodes}} fue entregado a " +
				"{{.ReceiverName}} el {{.DeliveredAt}}.",
			"bulk_delivered": "{{.NotaryName}}: Estimado/a {{.ClientName}}, se entregaron {{.DocumentCount}} documentos " +
				"({{.DocumentCodes}}) a {{.ReceiverName}} el {{.DeliveredAt}}.",
			"reminder": "{{.NotaryName}}: Estimado/a {{.ClientName}}, le recordamos que su documento {{.DocumentCodes}} " +
				"sigue disponible para retiro. Código de verificación: {{.VerificationCode}}.",
		},
		MaxAttempts:            3,
		BaseBackoffSeconds:     60,
		MaxBackoffSeconds:      3600,
		SendTimeoutSeconds:     10,
		LockTimeoutSeconds:     300,
		SweepBatchSize:         50,
		ReminderOlderThanHours: 72,
	}
}

var (
	notificationSettings     *NotificationSettings
	notificationSettingsOnce sync.Once
)

// GetNotificationSettings loads settings once per process; a broken file falls back to defaults.
func GetNotificationSettings() *NotificationSettings {
	notificationSettingsOnce.Do(func() {
		s, err := LoadNotificationSettings(os.Getenv("NOTIFICATION_SETTINGS_FILE"))
		if err != nil {
			LogError(GetLogger(), "config", "GetNotificationSettings", "load settings file", os.Getenv("NOTIFICATION_SETTINGS_FILE"), err)
		}
		notificationSettings = s
	})
	return notificationSettings
}

// LoadNotificationSettings merges the optional YAML file at path over the defaults, then applies env overrides:
// - NOTIFICATION_MAX_ATTEMPTS
// - NOTIFICATION_BASE_BACKOFF_SECONDS
// - NOTIFICATION_MAX_BACKOFF_SECONDS
// - NOTARY_NAME
func LoadNotificationSettings(path string) (*NotificationSettings, error) {
	s := DefaultNotificationSettings()
	var loadErr error
	if strings.TrimSpace(path) != "" {
		loadErr = loadSettingsFile(path, s)
	}

	s.MaxAttempts = intFromEnv("NOTIFICATION_MAX_ATTEMPTS", s.MaxAttempts)
	s.BaseBackoffSeconds = intFromEnv("NOTIFICATION_BASE_BACKOFF_SECONDS", s.BaseBackoffSeconds)
	s.MaxBackoffSeconds = intFromEnv("NOTIFICATION_MAX_BACKOFF_SECONDS", s.MaxBackoffSeconds)
	s.Notary.Name = envOr("NOTARY_NAME", s.Notary.Name)

	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseBackoffSeconds <= 0 {
		s.BaseBackoffSeconds = 60
	}
	if s.MaxBackoffSeconds < s.BaseBackoffSeconds {
		s.MaxBackoffSeconds = s.BaseBackoffSeconds
	}
	if s.SendTimeoutSeconds <= 0 {
		s.SendTimeoutSeconds = 10
	}
	if s.LockTimeoutSeconds <= 0 {
		s.LockTimeoutSeconds = 300
	}
	if s.SweepBatchSize <= 0 {
		s.SweepBatchSize = 50
	}
	return s, loadErr
}

func loadSettingsFile(path string, s *NotificationSettings) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	defaults := s.Templates
	if err := v.Unmarshal(s); err != nil {
		return err
	}
	// A file that overrides one template keeps the built-in text for the others.
	for k, tpl := range defaults {
		if strings.TrimSpace(s.Templates[k]) == "" {
			s.Templates[k] = tpl
		}
	}
	return nil
}

package workflow

import (
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/gateway"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Services bundles the long-lived workflow components shared by the HTTP server and the ops CLI.
type Services struct {
	Documents  *DocumentService
	Dispatcher *NotificationDispatcher
	Sweep      *NotificationSweep
}

// NewServices wires the workflow components against the global config.
// Redis is optional: without it the code-attempt guard and the sweep lock are disabled.
func NewServices(db *gorm.DB, gw gateway.Gateway, logger *logrus.Logger) *Services {
	d := NewNotificationDispatcher(db, gw, logger, config.GetNotificationSettings())
	guard := NewCodeAttemptGuard(config.GetRedisDB(), logger, config.MaxCodeAttempts(), config.CodeAttemptWindow())
	return &Services{
		Documents:  NewDocumentService(db, d, guard, logger),
		Dispatcher: d,
		Sweep:      NewNotificationSweep(d, config.GetRedisLock()),
	}
}

// NewServicesFromEnv builds the gateway from NOTIFICATION_MODE and wires the services on the global DB.
func NewServicesFromEnv() (*Services, error) {
	gw, err := gateway.NewFromEnv(config.NotificationMode())
	if err != nil {
		return nil, err
	}
	return NewServices(config.GetDB(), gw, config.GetLogger()), nil
}

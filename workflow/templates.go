package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
)

// NotificationTemplateData is the field set available to message templates.
type NotificationTemplateData struct {
	NotaryName       string
	NotaryAddress    string
	NotaryPhone      string
	ClientName       string
	DocumentCodes    string
	DocumentCount    int
	VerificationCode string
	ReceiverName     string
	DeliveredAt      string
	ReadyAt          string
}

const notificationDateLayout = "02/01/2006 15:04"

func templateDataFor(settings *config.NotificationSettings, docs []models.Document) NotificationTemplateData {
	data := NotificationTemplateData{
		NotaryName:    settings.Notary.Name,
		NotaryAddress: settings.Notary.Address,
		NotaryPhone:   settings.Notary.Phone,
		DocumentCount: len(docs),
	}
	codes := make([]string, 0, len(docs))
	for _, d := range docs {
		codes = append(codes, d.Code)
	}
	data.DocumentCodes = strings.Join(codes, ", ")
	if len(docs) == 0 {
		return data
	}

	first := docs[0]
	data.ClientName = first.ClientName
	data.VerificationCode = utils.DereferencePtr(first.VerificationCode)
	data.ReceiverName = first.ReceiverName
	if first.DeliveredAt != nil {
		data.DeliveredAt = first.DeliveredAt.In(time.UTC).Format(notificationDateLayout)
	}
	if first.ReadyAt != nil {
		data.ReadyAt = first.ReadyAt.In(time.UTC).Format(notificationDateLayout)
	}
	return data
}

// renderNotification executes the template configured for eventType.
func renderNotification(settings *config.NotificationSettings, eventType models.NotificationEventType, docs []models.Document) (string, error) {
	tpl, ok := settings.Templates[string(eventType)]
	if !ok || strings.TrimSpace(tpl) == "" {
		return "", fmt.Errorf("no template configured for %s notifications", eventType)
	}
	return utils.ExecTemplate(string(eventType), tpl, templateDataFor(settings, docs))
}

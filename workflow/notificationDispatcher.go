package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/gateway"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationDispatcher sends client notifications after the business transaction committed.
// Every send happens outside a DB transaction and its outcome is written separately.
type NotificationDispatcher struct {
	DB           *gorm.DB
	Gateway      gateway.Gateway
	Logger       *logrus.Logger
	Settings     *config.NotificationSettings
	Policy       RetryPolicy
	DispatcherID string
	Now          func() time.Time
}

func NewNotificationDispatcher(db *gorm.DB, gw gateway.Gateway, logger *logrus.Logger, settings *config.NotificationSettings) *NotificationDispatcher {
	if settings == nil {
		settings = config.DefaultNotificationSettings()
	}
	return &NotificationDispatcher{
		DB:           db,
		Gateway:      gw,
		Logger:       logger,
		Settings:     settings,
		Policy:       RetryPolicyFromSettings(settings),
		DispatcherID: uuid.NewString(),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (d *NotificationDispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// discriminator keeps ready notifications unique per pickup code and the others unique per day.
func (d *NotificationDispatcher) discriminator(eventType models.NotificationEventType, doc models.Document) string {
	if eventType == models.NotificationEventReady && doc.VerificationCode != nil {
		return "code-" + *doc.VerificationCode
	}
	return d.now().Format("20060102")
}

// Dispatch notifies the client of one principal document.
// An ineligible document yields a skipped record and no error.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, documentId int, eventType models.NotificationEventType) (*models.NotificationRecord, error) {
	ctx, span := tracer.Start(ctx, "NotificationDispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("document_id", documentId), attribute.String("event_type", string(eventType)))

	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: event type %q", models.ErrInvalidInput, eventType)
	}
	doc, err := models.GetDocument(ctx, d.DB, documentId)
	if err != nil {
		return nil, err
	}

	rec, err := d.dispatchDocuments(ctx, []models.Document{*doc}, eventType, models.Evaluate(*doc))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

// DispatchBulk sends one message per (channel, recipient) listing every eligible document handed over together.
// Ineligible documents get their own skipped record.
func (d *NotificationDispatcher) DispatchBulk(ctx context.Context, documentIds []int, eventType models.NotificationEventType) ([]*models.NotificationRecord, error) {
	ctx, span := tracer.Start(ctx, "NotificationDispatcher.DispatchBulk")
	defer span.End()

	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: event type %q", models.ErrInvalidInput, eventType)
	}
	var docs []models.Document
	if err := d.DB.WithContext(ctx).Where("id IN ?", documentIds).Order("id ASC").Find(&docs).Error; err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: ids %v", models.ErrDocumentNotFound, documentIds)
	}

	type recipientKey struct {
		channel   models.NotificationChannel
		recipient string
	}
	groups := map[recipientKey][]models.Document{}
	var keys []recipientKey
	var records []*models.NotificationRecord
	var errs []error

	for _, doc := range docs {
		e := models.Evaluate(doc)
		if !e.ShouldNotify {
			rec, err := d.dispatchDocuments(ctx, []models.Document{doc}, eventType, e)
			if rec != nil {
				records = append(records, rec)
			}
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		k := recipientKey{channel: e.Channel, recipient: doc.ContactFor(e.Channel)}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], doc)
	}
	sort.SliceStable(keys, func(a, b int) bool { return groups[keys[a]][0].ID < groups[keys[b]][0].ID })

	for _, k := range keys {
		members := groups[k]
		rec, err := d.dispatchDocuments(ctx, members, eventType, models.Eligibility{ShouldNotify: true, Channel: k.channel, Reasons: []string{}})
		if rec != nil {
			records = append(records, rec)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return records, err
}

func documentIdsOf(docs []models.Document) []int {
	ids := make([]int, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}

func (d *NotificationDispatcher) dispatchDocuments(ctx context.Context, docs []models.Document, eventType models.NotificationEventType, e models.Eligibility) (*models.NotificationRecord, error) {
	ids := documentIdsOf(docs)
	key := models.NotificationIdempotencyKey(eventType, ids, d.discriminator(eventType, docs[0]))

	if !e.ShouldNotify {
		return d.recordSkipped(ctx, docs[0], ids, eventType, key, e)
	}

	body, err := renderNotification(d.Settings, eventType, docs)
	if err != nil {
		return nil, err
	}

	now := d.now()
	owner := d.DispatcherID
	rec := &models.NotificationRecord{
		EventType:      eventType,
		Channel:        e.Channel,
		Recipient:      docs[0].ContactFor(e.Channel),
		Status:         models.NotificationStatusPending,
		Body:           body,
		IdempotencyKey: key,
		LockedAt:       &now,
		LockedBy:       &owner,
		Metadata:       datatypes.JSONMap{},
	}
	if err := rec.SetDocumentIds(ids); err != nil {
		return nil, err
	}

	stored, created, err := claimNotification(ctx, d.DB, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "NotificationDispatcher",
				"record_id": stored.ID,
				"status":    stored.Status,
				"final":     stored.Status.IsFinal(),
			}).Info("notification already dispatched; not sending again")
		}
		return stored, nil
	}
	return d.attempt(ctx, stored, owner)
}

func (d *NotificationDispatcher) recordSkipped(ctx context.Context, doc models.Document, ids []int, eventType models.NotificationEventType, key string, e models.Eligibility) (*models.NotificationRecord, error) {
	rec := &models.NotificationRecord{
		EventType:      eventType,
		Channel:        doc.Channel,
		Recipient:      doc.ContactFor(doc.Channel),
		Status:         models.NotificationStatusSkipped,
		IdempotencyKey: key,
		Metadata:       datatypes.JSONMap{"reasons": e.Reasons},
	}
	if err := rec.SetDocumentIds(ids); err != nil {
		return nil, err
	}

	var stored *models.NotificationRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		stored = rec
		return models.AppendEvent(tx, models.NewEvent(ctx, rec.DocumentId, models.EventTypeNotification, map[string]interface{}{
			"notification_id": rec.ID,
			"event_type":      eventType,
			"channel":         rec.Channel,
			"outcome":         string(models.NotificationStatusSkipped),
			"reasons":         e.Reasons,
			"document_ids":    ids,
		}))
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			return models.GetNotificationByIdempotencyKey(ctx, d.DB, key)
		}
		return nil, err
	}
	return stored, nil
}

// attempt sends rec once and persists the outcome. owner must match the record's claim.
func (d *NotificationDispatcher) attempt(ctx context.Context, rec *models.NotificationRecord, owner string) (*models.NotificationRecord, error) {
	attempt := rec.Attempts + 1
	msg := gateway.Message{
		Channel:        rec.Channel,
		Recipient:      rec.Recipient,
		Body:           rec.Body,
		EventType:      rec.EventType,
		DocumentIds:    rec.GetDocumentIds(),
		IdempotencyKey: rec.IdempotencyKey,
	}

	var (
		res     gateway.Result
		sendErr error
	)
	if d.Gateway == nil {
		sendErr = fmt.Errorf("%w: no gateway configured", models.ErrGatewayUnavailable)
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, d.Settings.SendTimeout())
		res, sendErr = d.Gateway.Send(sendCtx, msg)
		cancel()
		if sendErr == nil && !res.Success {
			sendErr = fmt.Errorf("%w: gateway reported failure", models.ErrGatewayUnavailable)
		}
	}

	// The outcome must be written even when the caller's context is already gone.
	return d.recordOutcome(context.WithoutCancel(ctx), rec, owner, attempt, res, sendErr)
}

func (d *NotificationDispatcher) recordOutcome(ctx context.Context, rec *models.NotificationRecord, owner string, attempt int, res gateway.Result, sendErr error) (*models.NotificationRecord, error) {
	now := d.now()

	metadata := datatypes.JSONMap{}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	if res.Mode != "" {
		metadata["mode"] = res.Mode
	}
	if res.Provider != "" {
		metadata["provider"] = res.Provider
	}
	if res.ProviderReference != "" {
		metadata["provider_reference"] = res.ProviderReference
	}
	var response datatypes.JSON
	if res.Response != nil {
		if b, err := json.Marshal(res.Response); err == nil {
			response = datatypes.JSON(b)
		}
	}

	updates := map[string]interface{}{
		"attempts":  attempt,
		"locked_at": nil,
		"locked_by": nil,
		"metadata":  metadata,
	}
	if response != nil {
		updates["gateway_response"] = response
	}

	var (
		status    models.NotificationStatus
		outcome   string
		resultErr error
		nextRetry *time.Time
	)
	switch {
	case sendErr == nil:
		status = models.NotificationStatusSent
		if res.Mode == gateway.ModeSimulated {
			status = models.NotificationStatusSimulated
		}
		outcome = string(status)
		updates["status"] = status
		updates["sent_at"] = &now
		updates["next_retry_at"] = nil
		updates["last_error"] = nil
	case gateway.IsPermanent(sendErr) || d.Policy.Exhausted(attempt):
		msg := sendErr.Error()
		status = models.NotificationStatusFailed
		outcome = string(status)
		updates["status"] = status
		updates["next_retry_at"] = nil
		updates["last_error"] = &msg
		resultErr = fmt.Errorf("%w: notification %d after %d attempt(s): %v", models.ErrNotificationExhausted, rec.ID, attempt, sendErr)
	default:
		msg := sendErr.Error()
		next := now.Add(d.Policy.Backoff(attempt))
		nextRetry = &next
		status = models.NotificationStatusPending
		outcome = "retry_scheduled"
		updates["status"] = status
		updates["next_retry_at"] = &next
		updates["last_error"] = &msg
		resultErr = sendErr
		if !errors.Is(sendErr, models.ErrGatewayUnavailable) {
			resultErr = fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, sendErr)
		}
	}

	event := models.NewEvent(ctx, rec.DocumentId, models.EventTypeNotification, map[string]interface{}{
		"notification_id":    rec.ID,
		"event_type":         rec.EventType,
		"channel":            rec.Channel,
		"outcome":            outcome,
		"attempt":            attempt,
		"document_ids":       rec.GetDocumentIds(),
		"provider_reference": res.ProviderReference,
	})
	if sendErr != nil {
		event.Details["error"] = sendErr.Error()
	}

	lost := false
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.NotificationRecord{}).Where("id = ? AND locked_by = ?", rec.ID, owner).Updates(updates)
		if q.Error != nil {
			return q.Error
		}
		if q.RowsAffected == 0 {
			lost = true
			return nil
		}
		return models.AppendEvent(tx, event)
	})
	if err != nil {
		config.LogError(d.Logger, "NotificationDispatcher", "recordOutcome", "persist outcome", rec.ID, err)
		return rec, err
	}
	if lost {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "NotificationDispatcher",
				"record_id": rec.ID,
				"owner":     owner,
			}).Warn("notification claim lost before outcome was recorded")
		}
		return rec, resultErr
	}

	rec.Attempts = attempt
	rec.Status = status
	rec.NextRetryAt = nextRetry
	rec.LockedAt = nil
	rec.LockedBy = nil
	rec.Metadata = metadata
	if response != nil {
		rec.GatewayResponse = response
	}
	if sendErr == nil {
		rec.SentAt = &now
		rec.LastError = nil
	} else {
		msg := sendErr.Error()
		rec.LastError = &msg
	}

	if resultErr != nil && d.Logger != nil {
		fields := logrus.Fields{
			"field":      "NotificationDispatcher",
			"record_id":  rec.ID,
			"attempt":    attempt,
			"event_type": rec.EventType,
		}
		if nextRetry != nil {
			fields["next_retry_at"] = nextRetry.Format(time.RFC3339Nano)
		}
		d.Logger.WithFields(fields).Error("notification send failed: " + sendErr.Error())
	}
	return rec, resultErr
}

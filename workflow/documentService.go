package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("notary-workflow")

type PaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	IsRetention bool            `json:"is_retention"`
}

type DeliverRequest struct {
	VerificationCode string              `json:"verification_code" validate:"required"`
	Receiver         models.ReceiverInfo `json:"receiver"`
}

type BulkDeliveryItem struct {
	DocumentId       int    `json:"document_id" validate:"required"`
	VerificationCode string `json:"verification_code" validate:"required"`
}

type BulkDeliverRequest struct {
	Items    []BulkDeliveryItem  `json:"items" validate:"required,min=1,dive"`
	Receiver models.ReceiverInfo `json:"receiver"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type LinkDependentRequest struct {
	DependentId int `json:"dependent_id" validate:"required"`
}

// DocumentService runs every document write inside one transaction and notifies only after commit.
type DocumentService struct {
	DB                 *gorm.DB
	Dispatcher         *NotificationDispatcher
	Guard              *CodeAttemptGuard
	Logger             *logrus.Logger
	RequireFullPayment bool
	Now                func() time.Time
	NewCode            func() (string, error)
}

func NewDocumentService(db *gorm.DB, dispatcher *NotificationDispatcher, guard *CodeAttemptGuard, logger *logrus.Logger) *DocumentService {
	return &DocumentService{
		DB:                 db,
		Dispatcher:         dispatcher,
		Guard:              guard,
		Logger:             logger,
		RequireFullPayment: config.RequireFullPaymentForDelivery(),
		Now:                func() time.Time { return time.Now().UTC() },
		NewCode:            models.GenerateVerificationCode,
	}
}

func (s *DocumentService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RegisterDocument stores a new in_progress document with a zeroed ledger.
func (s *DocumentService) RegisterDocument(ctx context.Context, input models.NewDocument) (doc *models.Document, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.RegisterDocument")
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, invalidInput(err)
	}
	doc, err = input.MapInput()
	if err != nil {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return fmt.Errorf("%w: document code %s already registered", models.ErrInvalidInput, doc.Code)
			}
			return err
		}
		return models.AppendEvent(tx, models.NewEvent(ctx, doc.ID, models.EventTypeCreated, map[string]interface{}{
			"code":              doc.Code,
			"invoiced_amount":   doc.InvoicedAmount.StringFixed(2),
			"is_credit_note":    doc.IsCreditNote,
			"channel":           doc.Channel,
			"auto_notify":       doc.AutoNotify,
			"immediate_handoff": doc.ImmediateHandoff,
			"outcome":           models.OutcomeOK,
		}))
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ApplyPayment records one payment or retention against a single document.
func (s *DocumentService) ApplyPayment(ctx context.Context, id int, req PaymentRequest) (doc *models.Document, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.ApplyPayment")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	var updated models.Document
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := models.LockDocument(tx, id)
		if err != nil {
			return err
		}
		if current.State == models.DocumentStateCancelled {
			return fmt.Errorf("%w: payments are not accepted on cancelled documents", models.ErrInvalidState)
		}
		updated, err = models.ApplyPayment(*current, req.Amount, req.IsRetention)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		return models.AppendEvent(tx, models.NewEvent(ctx, id, models.EventTypePayment, map[string]interface{}{
			"amount":                 req.Amount.StringFixed(2),
			"is_retention":           req.IsRetention,
			"outcome":                models.OutcomeOK,
			"paid_amount":            updated.PaidAmount.StringFixed(2),
			"retained_amount":        updated.RetainedAmount.StringFixed(2),
			"pending_amount":         updated.PendingAmount.StringFixed(2),
			"payment_state":          updated.PaymentState,
			"previous_payment_state": current.PaymentState,
		}))
	})
	if err != nil {
		s.auditFailure(ctx, id, models.EventTypePayment, map[string]interface{}{
			"amount":       req.Amount.String(),
			"is_retention": req.IsRetention,
		}, err)
		return nil, err
	}
	return &updated, nil
}

// MarkReady issues a fresh pickup code and moves the principal and every dependent to ready_for_pickup.
func (s *DocumentService) MarkReady(ctx context.Context, id int) (group *DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.MarkReady")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	code, err := s.NewCode()
	if err != nil {
		return nil, err
	}
	now := s.now()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := LockDocumentGroup(tx, id)
		if err != nil {
			return err
		}
		before := statesOf(g)
		if err := Propagate(tx, g, models.MarkReadyTransition(code, now)); err != nil {
			return err
		}
		group = g
		return recordTransition(ctx, tx, g, before, "mark_ready", models.EventTypeStateChange, nil)
	})
	if err != nil {
		s.auditFailure(ctx, id, models.EventTypeStateChange, map[string]interface{}{"action": "mark_ready"}, err)
		return nil, err
	}
	s.notify(ctx, group.Principal.ID, models.NotificationEventReady)
	return group, nil
}

// ReissueCode replaces a lost pickup code on a ready group and notifies the client again.
func (s *DocumentService) ReissueCode(ctx context.Context, id int) (group *DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.ReissueCode")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := LockDocumentGroup(tx, id)
		if err != nil {
			return err
		}
		code, err := s.freshCode(g.Principal.VerificationCode)
		if err != nil {
			return err
		}
		before := statesOf(g)
		if err := Propagate(tx, g, models.ReissueCodeTransition(code)); err != nil {
			return err
		}
		if err := retireOpenPickupNotifications(ctx, tx, g.Principal.ID, "pickup code was reissued"); err != nil {
			return err
		}
		group = g
		return recordTransition(ctx, tx, g, before, "reissue_code", models.EventTypeStateChange, nil)
	})
	if err != nil {
		s.auditFailure(ctx, id, models.EventTypeStateChange, map[string]interface{}{"action": "reissue_code"}, err)
		return nil, err
	}
	s.Guard.Reset(ctx, id)
	s.notify(ctx, group.Principal.ID, models.NotificationEventReady)
	return group, nil
}

func (s *DocumentService) freshCode(current *string) (string, error) {
	for i := 0; i < 10; i++ {
		code, err := s.NewCode()
		if err != nil {
			return "", err
		}
		if current == nil || *current != code {
			return code, nil
		}
	}
	return "", errors.New("could not generate a new verification code")
}

// Deliver hands a ready group to a receiver who presents the pickup code.
func (s *DocumentService) Deliver(ctx context.Context, id int, req DeliverRequest) (group *DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.Deliver")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	details := map[string]interface{}{"action": "deliver", "receiver_name": req.Receiver.Name}
	if err := utils.ValidateStruct(req); err != nil {
		err = invalidInput(err)
		s.auditFailure(ctx, id, models.EventTypeDelivery, details, err)
		return nil, err
	}
	if err := s.Guard.Check(ctx, id); err != nil {
		s.auditFailure(ctx, id, models.EventTypeDelivery, details, err)
		return nil, err
	}
	now := s.now()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := LockDocumentGroup(tx, id)
		if err != nil {
			return err
		}
		if err := checkDeliveryGate(g, s.RequireFullPayment); err != nil {
			return err
		}
		before := statesOf(g)
		if err := Propagate(tx, g, models.DeliverTransition(req.VerificationCode, req.Receiver, now)); err != nil {
			return err
		}
		if err := retireOpenPickupNotifications(ctx, tx, g.Principal.ID, "documents were delivered"); err != nil {
			return err
		}
		group = g
		return recordTransition(ctx, tx, g, before, "deliver", models.EventTypeDelivery, receiverDetails(g.Principal))
	})
	if err != nil {
		if errors.Is(err, models.ErrCodeMismatch) {
			s.Guard.RecordFailure(ctx, id)
		}
		s.auditFailure(ctx, id, models.EventTypeDelivery, details, err)
		return nil, err
	}
	s.Guard.Reset(ctx, id)
	s.notify(ctx, group.Principal.ID, models.NotificationEventDelivered)
	return group, nil
}

// DeliverBulk hands several groups to one receiver. Either every group is delivered or none is.
// The client receives one bulk_delivered message per recipient.
func (s *DocumentService) DeliverBulk(ctx context.Context, req BulkDeliverRequest) (groups []*DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.DeliverBulk")
	span.SetAttributes(attribute.Int("item_count", len(req.Items)))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidInput(err)
	}
	supplied := make(map[int]string, len(req.Items))
	ids := make([]int, 0, len(req.Items))
	for _, item := range req.Items {
		if _, dup := supplied[item.DocumentId]; dup {
			return nil, fmt.Errorf("%w: document %d listed twice", models.ErrInvalidInput, item.DocumentId)
		}
		supplied[item.DocumentId] = item.VerificationCode
		ids = append(ids, item.DocumentId)
	}
	for _, id := range ids {
		if err := s.Guard.Check(ctx, id); err != nil {
			s.auditFailure(ctx, id, models.EventTypeDelivery, map[string]interface{}{"action": "deliver_bulk"}, err)
			return nil, err
		}
	}
	now := s.now()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := LockDocumentGroups(tx, ids)
		if err != nil {
			return err
		}
		for _, g := range locked {
			if err := checkDeliveryGate(g, s.RequireFullPayment); err != nil {
				return err
			}
		}
		for _, g := range locked {
			before := statesOf(g)
			t := models.DeliverTransition(supplied[g.Principal.ID], req.Receiver, now)
			if err := Propagate(tx, g, t); err != nil {
				return err
			}
			if err := retireOpenPickupNotifications(ctx, tx, g.Principal.ID, "documents were delivered"); err != nil {
				return err
			}
			extra := receiverDetails(g.Principal)
			extra["bulk_document_ids"] = ids
			if err := recordTransition(ctx, tx, g, before, "deliver_bulk", models.EventTypeDelivery, extra); err != nil {
				return err
			}
		}
		groups = locked
		return nil
	})
	if err != nil {
		var member *models.MemberError
		failedId := 0
		if errors.As(err, &member) {
			failedId = member.DocumentId
			if errors.Is(err, models.ErrCodeMismatch) {
				s.Guard.RecordFailure(ctx, failedId)
			}
		}
		for _, id := range ids {
			details := map[string]interface{}{"action": "deliver_bulk", "bulk_document_ids": ids}
			if failedId != 0 {
				details["failed_document_id"] = failedId
			}
			s.auditFailure(ctx, id, models.EventTypeDelivery, details, err)
		}
		return nil, err
	}

	principals := make([]int, 0, len(groups))
	for _, g := range groups {
		s.Guard.Reset(ctx, g.Principal.ID)
		principals = append(principals, g.Principal.ID)
	}
	if s.Dispatcher != nil {
		if _, nerr := s.Dispatcher.DispatchBulk(ctx, principals, models.NotificationEventBulkDelivered); nerr != nil {
			s.logNotifyFailure(principals, models.NotificationEventBulkDelivered, nerr)
		}
	}
	return groups, nil
}

// Cancel moves a group that was not yet handed over to cancelled.
func (s *DocumentService) Cancel(ctx context.Context, id int, req CancelRequest) (group *DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.Cancel")
	span.SetAttributes(attribute.Int("document_id", id))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(req); err != nil {
		err = invalidInput(err)
		s.auditFailure(ctx, id, models.EventTypeStateChange, map[string]interface{}{"action": "cancel"}, err)
		return nil, err
	}
	now := s.now()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := LockDocumentGroup(tx, id)
		if err != nil {
			return err
		}
		before := statesOf(g)
		if err := Propagate(tx, g, models.CancelTransition(req.Reason, now)); err != nil {
			return err
		}
		if err := retireOpenPickupNotifications(ctx, tx, g.Principal.ID, "document was cancelled"); err != nil {
			return err
		}
		group = g
		return recordTransition(ctx, tx, g, before, "cancel", models.EventTypeStateChange, map[string]interface{}{
			"reason": strings.TrimSpace(req.Reason),
		})
	})
	if err != nil {
		s.auditFailure(ctx, id, models.EventTypeStateChange, map[string]interface{}{"action": "cancel"}, err)
		return nil, err
	}
	return group, nil
}

// LinkDependent makes dependentId an enabling document of principalId.
func (s *DocumentService) LinkDependent(ctx context.Context, principalId int, req LinkDependentRequest) (group *DocumentGroup, err error) {
	ctx, span := tracer.Start(ctx, "DocumentService.LinkDependent")
	span.SetAttributes(attribute.Int("document_id", principalId), attribute.Int("dependent_id", req.DependentId))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidInput(err)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		principal, dependent, err := linkDependent(tx, principalId, req.DependentId)
		if err != nil {
			return err
		}
		for _, docId := range []int{principal.ID, dependent.ID} {
			if err := models.AppendEvent(tx, models.NewEvent(ctx, docId, models.EventTypeStateChange, map[string]interface{}{
				"action":       "link_dependent",
				"principal_id": principal.ID,
				"dependent_id": dependent.ID,
				"outcome":      models.OutcomeOK,
			})); err != nil {
				return err
			}
		}
		g, err := LockDocumentGroup(tx, principal.ID)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		s.auditFailure(ctx, principalId, models.EventTypeStateChange, map[string]interface{}{
			"action":       "link_dependent",
			"dependent_id": req.DependentId,
		}, err)
		return nil, err
	}
	return group, nil
}

func (s *DocumentService) GetDocument(ctx context.Context, id int) (*models.Document, error) {
	return models.GetDocument(ctx, s.DB, id)
}

// GetDocumentGroup reads a principal with its dependents without locking.
func (s *DocumentService) GetDocumentGroup(ctx context.Context, id int) (*DocumentGroup, error) {
	doc, err := models.GetDocument(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if doc.IsDependent() {
		return nil, fmt.Errorf("%w: document %d depends on %d", models.ErrNotPrincipal, doc.ID, *doc.PrincipalId)
	}
	dependents, err := models.ListDependents(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	return &DocumentGroup{Principal: *doc, Dependents: dependents}, nil
}

func (s *DocumentService) ListDocuments(ctx context.Context, filter models.DocumentFilter, after *string, limit int) ([]models.Document, models.PageInfo, error) {
	return models.ListDocuments(ctx, s.DB, filter, after, limit)
}

func (s *DocumentService) ListEvents(ctx context.Context, id int) ([]models.EventRecord, error) {
	if _, err := models.GetDocument(ctx, s.DB, id); err != nil {
		return nil, err
	}
	return models.ListEvents(ctx, s.DB, id)
}

func (s *DocumentService) ListNotifications(ctx context.Context, id int) ([]models.NotificationRecord, error) {
	if _, err := models.GetDocument(ctx, s.DB, id); err != nil {
		return nil, err
	}
	return models.ListNotifications(ctx, s.DB, id)
}

func statesOf(g *DocumentGroup) map[int]models.DocumentState {
	states := make(map[int]models.DocumentState, len(g.Dependents)+1)
	for _, m := range g.Members() {
		states[m.ID] = m.State
	}
	return states
}

func receiverDetails(doc models.Document) map[string]interface{} {
	return map[string]interface{}{
		"receiver_name":         doc.ReceiverName,
		"receiver_id_number":    doc.ReceiverIdNumber,
		"receiver_relationship": doc.ReceiverRelationship,
	}
}

// recordTransition appends one event per group member. Verification codes never go into the trail.
func recordTransition(ctx context.Context, tx *gorm.DB, g *DocumentGroup, before map[int]models.DocumentState, action string, eventType models.EventType, extra map[string]interface{}) error {
	for _, m := range g.Members() {
		details := map[string]interface{}{
			"action":       action,
			"from":         before[m.ID],
			"to":           m.State,
			"principal_id": g.Principal.ID,
			"outcome":      models.OutcomeOK,
		}
		for k, v := range extra {
			details[k] = v
		}
		if err := models.AppendEvent(tx, models.NewEvent(ctx, m.ID, eventType, details)); err != nil {
			return err
		}
	}
	return nil
}

// auditFailure records a rolled-back operation in its own write.
// It never writes notification events, so a failed delivery leaves no notification trace.
func (s *DocumentService) auditFailure(ctx context.Context, documentId int, eventType models.EventType, details map[string]interface{}, opErr error) {
	class := models.Classify(opErr)
	if documentId == 0 || class == models.ErrorClassNotFound {
		return
	}
	if eventType == models.EventTypeNotification {
		eventType = models.EventTypeStateChange
	}

	outcome := models.OutcomeRejected
	if class != models.ErrorClassRejected {
		outcome = models.OutcomeFault
	}
	d := map[string]interface{}{}
	for k, v := range details {
		d[k] = v
	}
	d["outcome"] = outcome
	d["error"] = opErr.Error()
	d["error_class"] = class
	var member *models.MemberError
	if errors.As(opErr, &member) {
		d["failed_document_id"] = member.DocumentId
	}

	if s.Logger != nil {
		entry := s.Logger.WithFields(logrus.Fields{
			"field":       "DocumentService",
			"document_id": documentId,
			"event_type":  eventType,
			"error_class": class,
		})
		if outcome == models.OutcomeFault {
			entry.Error("operation aborted: " + opErr.Error())
		} else {
			entry.Info("operation rejected: " + opErr.Error())
		}
	}

	wctx := context.WithoutCancel(ctx)
	if err := models.AppendEvent(s.DB.WithContext(wctx), models.NewEvent(wctx, documentId, eventType, d)); err != nil {
		config.LogError(s.Logger, "DocumentService", "auditFailure", "append failure event", documentId, err)
	}
}

// notify dispatches after commit; a failure here never undoes the committed transition.
func (s *DocumentService) notify(ctx context.Context, documentId int, eventType models.NotificationEventType) {
	if s.Dispatcher == nil {
		return
	}
	if _, err := s.Dispatcher.Dispatch(ctx, documentId, eventType); err != nil {
		s.logNotifyFailure([]int{documentId}, eventType, err)
	}
}

func (s *DocumentService) logNotifyFailure(documentIds []int, eventType models.NotificationEventType, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":        "DocumentService",
		"document_ids": documentIds,
		"event_type":   eventType,
		"error_class":  models.Classify(err),
	}).Warn("notification not delivered: " + err.Error())
}

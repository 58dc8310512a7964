package main

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/models"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/utils"
	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// api holds the workflow services once the database is reachable. Until then every
// application route answers 503.
type api struct {
	services atomic.Pointer[workflow.Services]
	logger   *logrus.Logger
}

func (a *api) svc() *workflow.Services {
	return a.services.Load()
}

// statusForError maps a core error to an HTTP status using its class.
func statusForError(err error) int {
	switch models.Classify(err) {
	case models.ErrorClassNotFound:
		return http.StatusNotFound
	case models.ErrorClassRejected:
		switch {
		case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidAmount):
			return http.StatusUnprocessableEntity
		case errors.Is(err, models.ErrTooManyCodeAttempts):
			return http.StatusTooManyRequests
		}
		return http.StatusConflict
	case models.ErrorClassTransient:
		return http.StatusServiceUnavailable
	case models.ErrorClassTerminal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *api) abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	class := models.Classify(err)
	if status >= http.StatusInternalServerError {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(a.logger, "handlers", c.FullPath(), cid, nil, err)
	}
	_ = c.Error(err)
	body := gin.H{"error": err.Error(), "class": class}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		body["fields"] = utils.ProcessValidationErrors(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func documentIdParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

// correlationMiddleware attaches x-correlation-id (generated when absent) to the request context.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// actorMiddleware records who is acting. Authentication happens upstream; the gateway sets X-Actor.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader("X-Actor")); actor != "" {
			c.Request = c.Request.WithContext(utils.SetActorNameInContext(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func (a *api) readinessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if a.svc() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is starting"})
			return
		}
		c.Next()
	}
}

// opsAuthMiddleware requires the OPS_TOKEN in the "token" header when one is configured.
func opsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := config.OpsToken()
		if want == "" {
			c.Next()
			return
		}
		got := c.GetHeader("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (a *api) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.svc() == nil {
			c.JSON(http.StatusOK, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (a *api) registerDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewDocument
		if !bindJSON(c, &input) {
			return
		}
		doc, err := a.svc().Documents.RegisterDocument(c.Request.Context(), input)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

// listDocumentsHandler pages documents; filters: state, payment_state, client_id_number, principals_only.
func (a *api) listDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.DocumentFilter{
			State:          models.DocumentState(c.Query("state")),
			PaymentState:   models.PaymentState(c.Query("payment_state")),
			ClientIdNumber: strings.TrimSpace(c.Query("client_id_number")),
			PrincipalsOnly: c.Query("principals_only") == "true",
		}
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		var after *string
		if v, ok := c.GetQuery("after"); ok && v != "" {
			after = &v
		}
		docs, pageInfo, err := a.svc().Documents.ListDocuments(c.Request.Context(), filter, after, limit)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "pageInfo": pageInfo})
	}
}

func (a *api) getDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		doc, err := a.svc().Documents.GetDocument(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func (a *api) getDocumentGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		group, err := a.svc().Documents.GetDocumentGroup(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

func (a *api) listEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		events, err := a.svc().Documents.ListEvents(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

func (a *api) listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		recs, err := a.svc().Documents.ListNotifications(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

func (a *api) applyPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		var req workflow.PaymentRequest
		if !bindJSON(c, &req) {
			return
		}
		doc, err := a.svc().Documents.ApplyPayment(c.Request.Context(), id, req)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func (a *api) markReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		group, err := a.svc().Documents.MarkReady(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

func (a *api) reissueCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		group, err := a.svc().Documents.ReissueCode(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

func (a *api) deliverHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		var req workflow.DeliverRequest
		if !bindJSON(c, &req) {
			return
		}
		group, err := a.svc().Documents.Deliver(c.Request.Context(), id, req)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

func (a *api) deliverBulkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.BulkDeliverRequest
		if !bindJSON(c, &req) {
			return
		}
		groups, err := a.svc().Documents.DeliverBulk(c.Request.Context(), req)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, groups)
	}
}

func (a *api) cancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		var req workflow.CancelRequest
		if !bindJSON(c, &req) {
			return
		}
		group, err := a.svc().Documents.Cancel(c.Request.Context(), id, req)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

func (a *api) linkDependentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		var req workflow.LinkDependentRequest
		if !bindJSON(c, &req) {
			return
		}
		group, err := a.svc().Documents.LinkDependent(c.Request.Context(), id, req)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, group)
	}
}

// followUpHandler lists exhausted notifications; ?format=xlsx downloads them as a workbook.
func (a *api) followUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := a.svc().Dispatcher
		if strings.EqualFold(c.Query("format"), "xlsx") {
			var buf bytes.Buffer
			if _, err := d.ExportFollowUp(c.Request.Context(), &buf); err != nil {
				a.abortWithError(c, err)
				return
			}
			c.Header("Content-Disposition", `attachment; filename="follow-up.xlsx"`)
			c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
			return
		}
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		recs, err := d.FollowUpQueue(c.Request.Context(), limit)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

func (a *api) sweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := a.svc().Sweep.SweepOnce(c.Request.Context())
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type remindRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

func (a *api) remindHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req remindRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		d := a.svc().Dispatcher
		olderThan := d.Settings.ReminderOlderThan()
		if req.OlderThanHours > 0 {
			olderThan = time.Duration(req.OlderThanHours) * time.Hour
		}
		report, err := d.SendReminders(c.Request.Context(), olderThan)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (a *api) ledgerReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Query("format"), "xlsx") {
			var buf bytes.Buffer
			if _, err := a.svc().Documents.ExportLedgerReport(c.Request.Context(), &buf); err != nil {
				a.abortWithError(c, err)
				return
			}
			c.Header("Content-Disposition", `attachment; filename="ledger-report.xlsx"`)
			c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
			return
		}
		summary, err := a.svc().Documents.LedgerReport(c.Request.Context())
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		if c.Query("verify") != "true" {
			c.JSON(http.StatusOK, summary)
			return
		}
		discrepancies, err := a.svc().Documents.VerifyLedger(c.Request.Context())
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary, "discrepancies": discrepancies})
	}
}

func (a *api) repairLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := documentIdParam(c)
		if !ok {
			return
		}
		result, err := a.svc().Documents.RepairLedger(c.Request.Context(), id)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("route %s %s not found", c.Request.Method, c.Request.URL.Path)})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && logger != nil {
			logger.WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
				"actor":  utils.ActorOrSystem(c.Request.Context()),
			}).Warn(c.Errors.String())
		}
	}
}

// registerRoutes installs the document, notification and ops routes.
func (a *api) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", a.healthHandler())

	docs := r.Group("/documents")
	docs.GET("", a.listDocumentsHandler())
	docs.POST("", a.registerDocumentHandler())
	docs.POST("/deliver-bulk", a.deliverBulkHandler())
	docs.GET("/:id", a.getDocumentHandler())
	docs.GET("/:id/group", a.getDocumentGroupHandler())
	docs.GET("/:id/events", a.listEventsHandler())
	docs.GET("/:id/notifications", a.listNotificationsHandler())
	docs.POST("/:id/payments", a.applyPaymentHandler())
	docs.POST("/:id/ready", a.markReadyHandler())
	docs.POST("/:id/reissue-code", a.reissueCodeHandler())
	docs.POST("/:id/deliver", a.deliverHandler())
	docs.POST("/:id/cancel", a.cancelHandler())
	docs.POST("/:id/dependents", a.linkDependentHandler())

	r.GET("/notifications/follow-up", a.followUpHandler())
	r.GET("/reports/ledger", a.ledgerReportHandler())

	ops := r.Group("/internal/ops", opsAuthMiddleware())
	ops.POST("/notifications/sweep", a.sweepHandler())
	ops.POST("/notifications/remind", a.remindHandler())
	ops.POST("/documents/:id/repair-ledger", a.repairLedgerHandler())

	r.NoRoute(customNotFoundHandler)
}

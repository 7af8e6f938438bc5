package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cargoline/logistics-backend/internal/email"
	"github.com/cargoline/logistics-backend/internal/pkg/httputil"
	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// EmailAPI exposes the delivery engine over HTTP: send, cancel, status,
// metrics, unsubscribes, and the provider webhook endpoints.
type EmailAPI struct {
	service   *email.Service
	ingester  *email.Ingester
	providers *email.ProviderRegistry
	log       *logger.Logger
}

// NewEmailAPI creates the handler set.
func NewEmailAPI(service *email.Service, ingester *email.Ingester, providers *email.ProviderRegistry) *EmailAPI {
	return &EmailAPI{
		service:   service,
		ingester:  ingester,
		providers: providers,
		log:       logger.With("api"),
	}
}

// RegisterRoutes mounts the email routes on an /api/v1 router.
func (a *EmailAPI) RegisterRoutes(r chi.Router) {
	r.Route("/emails", func(r chi.Router) {
		r.Post("/", a.HandleSendEmail)
		r.Post("/bulk", a.HandleSendBulk)
		r.Route("/{messageID}", func(r chi.Router) {
			r.Delete("/", a.HandleCancel)
			r.Get("/status", a.HandleStatus)
		})
	})
	r.Get("/metrics/email", a.HandleMetrics)
	r.Route("/unsubscribes", func(r chi.Router) {
		r.Post("/", a.HandleUnsubscribe)
		r.Get("/check", a.HandleCheckUnsubscribed)
	})
}

// RegisterWebhookRoutes mounts the unauthenticated provider callbacks.
func (a *EmailAPI) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/email/{provider}", a.HandleWebhook)
}

// HandleSendEmail accepts a single message and returns 202 with its ID.
func (a *EmailAPI) HandleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req email.SendRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	id, err := a.service.SendEmail(r.Context(), &req)
	if err != nil {
		a.respondSendError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{
		"message_id": id.String(),
		"status":     string(email.StatusPending),
	})
}

// HandleSendBulk accepts a list of messages and returns one result per
// item in input order.
func (a *EmailAPI) HandleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []*email.SendRequest `json:"messages"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	results, err := a.service.SendBulkEmails(r.Context(), req.Messages)
	if err != nil {
		a.respondSendError(w, err)
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]interface{}{
		"results": results,
	})
}

// HandleCancel cancels a not-yet-dispatched message.
func (a *EmailAPI) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		httputil.BadRequest(w, "invalid message id")
		return
	}

	if err := a.service.CancelScheduledEmail(r.Context(), id); err != nil {
		if errors.Is(err, email.ErrNotFound) {
			httputil.NotFound(w, "message not found")
			return
		}
		var verr *email.ValidationError
		if errors.As(err, &verr) {
			httputil.Error(w, http.StatusConflict, verr.Error())
			return
		}
		a.log.Error("cancel failed", "message_id", id.String(), "error", err)
		httputil.Error(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"message_id": id.String(),
		"status":     string(email.StatusCancelled),
	})
}

// HandleStatus returns the delivery snapshot of a message.
func (a *EmailAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		httputil.BadRequest(w, "invalid message id")
		return
	}

	status, err := a.service.GetDeliveryStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			httputil.NotFound(w, "message not found")
			return
		}
		a.log.Error("status lookup failed", "message_id", id.String(), "error", err)
		httputil.Error(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	httputil.JSON(w, http.StatusOK, status)
}

// HandleMetrics aggregates delivery metrics, optionally windowed by
// start/end RFC 3339 query parameters.
func (a *EmailAPI) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	var start, end *time.Time
	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.BadRequest(w, "start must be RFC 3339")
			return
		}
		start = &t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.BadRequest(w, "end must be RFC 3339")
			return
		}
		end = &t
	}

	metrics, err := a.service.GetMetrics(r.Context(), start, end)
	if err != nil {
		var verr *email.ValidationError
		if errors.As(err, &verr) {
			httputil.BadRequest(w, verr.Error())
			return
		}
		a.log.Error("metrics aggregation failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "metrics aggregation failed")
		return
	}
	httputil.JSON(w, http.StatusOK, metrics)
}

// HandleUnsubscribe records an opt-out.
func (a *EmailAPI) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Category string `json:"category"`
	}
	if err := httputil.Decode(r, &req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}

	if err := a.service.Unsubscribe(r.Context(), req.Email, req.Category); err != nil {
		var verr *email.ValidationError
		if errors.As(err, &verr) {
			httputil.BadRequest(w, verr.Error())
			return
		}
		a.log.Error("unsubscribe failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"unsubscribed": true})
}

// HandleCheckUnsubscribed answers a membership query.
func (a *EmailAPI) HandleCheckUnsubscribed(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("email")
	if addr == "" {
		httputil.BadRequest(w, "email query parameter required")
		return
	}

	opted, err := a.service.IsUnsubscribed(r.Context(), addr, r.URL.Query().Get("category"))
	if err != nil {
		a.log.Error("unsubscribe check failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "check failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"unsubscribed": opted})
}

// HandleWebhook ingests a provider event callback. The signature is
// checked before the payload is trusted; after that the endpoint always
// returns 200 so vendors do not retry events we chose to drop.
func (a *EmailAPI) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	adapter, err := a.providers.Get(providerName)
	if err != nil {
		httputil.NotFound(w, "unknown provider")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if !adapter.ValidateWebhookSignature(payload, signature) {
		a.log.Warn("webhook signature rejected", "provider", providerName)
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := a.ingester.Ingest(r.Context(), providerName, payload); err != nil {
		// The payload is already in the audit table; vendors must not
		// retry a body we cannot parse.
		a.log.Error("webhook ingest failed", "provider", providerName, "error", err)
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *EmailAPI) respondSendError(w http.ResponseWriter, err error) {
	var verr *email.ValidationError
	if errors.As(err, &verr) {
		httputil.BadRequest(w, verr.Error())
		return
	}
	var uerr *email.UnsubscribedError
	if errors.As(err, &uerr) {
		httputil.Error(w, http.StatusUnprocessableEntity, uerr.Error())
		return
	}
	a.log.Error("send failed", "error", err)
	httputil.Error(w, http.StatusInternalServerError, "send failed")
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/logger"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	intake   *service.IntakeService
	status   *service.StatusService
	store    Pinger
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

type OrderHTTPRequest struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

type OrderHTTPResponse struct {
	OrderID string `json:"orderId,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type OrderStatusResponse struct {
	OrderID     string         `json:"orderId"`
	Item        string         `json:"item"`
	Quantity    int            `json:"quantity"`
	Outcome     domain.Outcome `json:"outcome"`
	ProcessedAt time.Time      `json:"processedAt"`
}

func NewHTTPHandler(
	intake *service.IntakeService,
	status *service.StatusService,
	store Pinger,
	gatherer prometheus.Gatherer,
	log *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		intake:   intake,
		status:   status,
		store:    store,
		gatherer: gatherer,
		logger:   log,
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(traceContext)
	r.Use(h.accessLog)

	r.Post("/order", h.SubmitOrder)
	r.Get("/order/{orderId}", h.OrderStatus)
	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (h *HTTPHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderHTTPRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OrderHTTPResponse{
			Status:  "invalid",
			Message: "invalid request body",
		})
		return
	}

	order, err := h.intake.Submit(r.Context(), req.Item, req.Quantity)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, OrderHTTPResponse{Status: "invalid", Message: verr.Error()})
		case errors.Is(err, domain.ErrItemNotFound):
			writeJSON(w, http.StatusNotFound, OrderHTTPResponse{Status: "not_found", Message: "unknown item"})
		case errors.Is(err, domain.ErrAdvisoryInsufficient):
			writeJSON(w, http.StatusConflict, OrderHTTPResponse{Status: "insufficient_stock", Message: "not enough stock"})
		default:
			logger.Error(r.Context(), h.logger, "Order submission failed", zap.String("item", req.Item), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, OrderHTTPResponse{Status: "unavailable", Message: "try again later"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, OrderHTTPResponse{
		OrderID: order.OrderID,
		Status:  "accepted",
	})
}

func (h *HTTPHandler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	rec, err := h.status.Lookup(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, OrderHTTPResponse{Status: "invalid", Message: err.Error()})
			return
		}
		logger.Error(r.Context(), h.logger, "Order status lookup failed", zap.String("order_id", orderID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, OrderHTTPResponse{Status: "unavailable", Message: "try again later"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, OrderHTTPResponse{OrderID: orderID, Status: "pending"})
		return
	}

	writeJSON(w, http.StatusOK, OrderStatusResponse{
		OrderID:     rec.OrderID,
		Item:        rec.Item,
		Quantity:    rec.Quantity,
		Outcome:     rec.Outcome,
		ProcessedAt: rec.ProcessedAt,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// traceContext picks up an incoming W3C trace context so that it follows the
// order onto the bus.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug(r.Context(), h.logger, "HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

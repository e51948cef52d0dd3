package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"manabilling/internal/config"
	"manabilling/internal/ledger"
	"manabilling/internal/logging"
	"manabilling/internal/metrics"
	"manabilling/internal/ratelimit"
	"manabilling/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type Server struct {
	svc      *services.Service
	limiter  *ratelimit.Limiter
	cfg      config.Config
	validate *validator.Validate
	health   func(ctx context.Context) error
}

func NewServer(svc *services.Service, limiter *ratelimit.Limiter, cfg config.Config) *Server {
	if limiter == nil {
		limiter = ratelimit.New(nil, "", nil)
	}
	return &Server{
		svc:      svc,
		limiter:  limiter,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithHealthCheck sets the dependency probe behind /healthz.
func (s *Server) WithHealthCheck(fn func(ctx context.Context) error) *Server {
	s.health = fn
	return s
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logging.Ctx(r.Context()).Error().
					Interface("panic", rvr).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")
				if r.Header.Get("Connection") != "Upgrade" {
					respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(logging.RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.jwtMiddleware)

		r.Route("/billing", func(r chi.Router) {
			r.Get("/subscription", s.handleGetSubscription)
			r.Post("/checkout", s.handleCheckout)
			r.Post("/portal", s.handlePortal)
			r.Post("/cancel-toggle", s.handleCancelToggle)
			r.Post("/upgrade/annual", s.handleScheduleAnnual)
			r.Delete("/upgrade/annual", s.handleCancelAnnual)
			r.Get("/charges", s.handleListCharges)
			r.Get("/refund/estimate", s.handleRefundEstimate)
			r.Post("/refund", s.handleRefund)
			r.Post("/refund/request", s.handleRefundRequest)
			r.Post("/booster/refund", s.handleBoosterRefund)
		})

		r.Route("/gifts", func(r chi.Router) {
			r.Get("/", s.handleListGifts)
			r.Post("/", s.handleSendGift)
			r.Post("/{id}/accept", s.handleAcceptGift)
			r.Post("/{id}/decline", s.handleDeclineGift)
			r.Delete("/{id}", s.handleCancelGift)
		})

		// 管理员接口
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminMiddleware)

			r.Get("/refund-requests", s.handleAdminListRefundRequests)
			r.Post("/refund-requests/{id}/approve", s.handleAdminResolveRefundRequest(true))
			r.Post("/refund-requests/{id}/deny", s.handleAdminResolveRefundRequest(false))
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// allow consumes one rate-limit token and writes the rejection when the caller is out.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, action string) bool {
	userID := getUserIDFromContext(r.Context())
	res, err := s.limiter.Consume(r.Context(), action, userID)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("action", action).Msg("rate limiter unavailable, allowing request")
	}
	if res.Allowed {
		return true
	}
	metrics.RateLimited.WithLabelValues(action).Inc()
	respondServiceError(w, r, services.RateLimited(res.RetryAfter))
	return false
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", jsonName(fe.Field())))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", jsonName(fe.Field()), fe.Param()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", jsonName(fe.Field())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", jsonName(fe.Field())))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// jsonName turns SuccessURL into success_url.
func jsonName(field string) string {
	var b strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// ========== 订阅 ==========

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"subscription": view})
}

type checkoutRequest struct {
	Plan       string `json:"plan" validate:"required,oneof=monthly annual booster"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionSubscribe) {
		return
	}
	sess, err := s.svc.CreateCheckout(r.Context(), getUserIDFromContext(r.Context()), services.CheckoutRequest{
		Plan:       req.Plan,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"session_id": sess.ID, "url": sess.URL})
}

type portalRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionPortal) {
		return
	}
	sess, err := s.svc.CreatePortal(r.Context(), getUserIDFromContext(r.Context()), req.ReturnURL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"url": sess.URL})
}

func (s *Server) handleCancelToggle(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ActionCancelToggle) {
		return
	}
	state, err := s.svc.ToggleCancellation(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{
		"cancel_at_period_end":   state.CancelAtPeriodEnd,
		"scheduled_cancellation": state.ScheduledCancellation,
	})
}

func (s *Server) handleScheduleAnnual(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ActionUpgrade) {
		return
	}
	res, err := s.svc.ScheduleAnnualUpgrade(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{
		"schedule_id":   res.ScheduleID,
		"start_date":    res.StartDate,
		"savings_cents": res.SavingsCents,
	})
}

func (s *Server) handleCancelAnnual(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ActionUpgrade) {
		return
	}
	if err := s.svc.CancelAnnualUpgrade(r.Context(), getUserIDFromContext(r.Context())); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, nil)
}

// ========== 退款 ==========

func (s *Server) handleListCharges(w http.ResponseWriter, r *http.Request) {
	charges, err := s.svc.ListCharges(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"charges": charges})
}

func (s *Server) handleRefundEstimate(w http.ResponseWriter, r *http.Request) {
	chargeID := r.URL.Query().Get("charge_id")
	if chargeID == "" {
		respondError(w, http.StatusBadRequest, errors.New("charge_id is required"))
		return
	}
	est, err := s.svc.EstimateRefund(r.Context(), getUserIDFromContext(r.Context()), chargeID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, estimateFields(est))
}

func estimateFields(est services.RefundEstimate) map[string]any {
	return map[string]any{
		"charge_id":        est.ChargeID,
		"charge_cents":     est.ChargeCents,
		"usage_cost_cents": est.UsageCostCents,
		"mana_used":        est.ManaUsed,
		"mana_granted":     est.ManaGranted,
		"refund_cents":     est.RefundCents,
		"window_ends_at":   est.WindowEndsAt,
	}
}

type chargeRequest struct {
	ChargeID string `json:"charge_id" validate:"required"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionRefund) {
		return
	}
	res, err := s.svc.RefundSubscription(r.Context(), getUserIDFromContext(r.Context()), req.ChargeID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	fields := estimateFields(res.RefundEstimate)
	fields["refund_id"] = res.RefundID
	respondSuccess(w, fields)
}

type refundReviewRequest struct {
	ChargeID string `json:"charge_id" validate:"required"`
	Reason   string `json:"reason" validate:"required,max=2000"`
}

func (s *Server) handleRefundRequest(w http.ResponseWriter, r *http.Request) {
	var req refundReviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionRefundRequest) {
		return
	}
	created, err := s.svc.RequestRefundReview(r.Context(), getUserIDFromContext(r.Context()), req.ChargeID, strings.TrimSpace(req.Reason))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"refund_request": created})
}

func (s *Server) handleBoosterRefund(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionBoosterRefund) {
		return
	}
	res, err := s.svc.RefundBooster(r.Context(), getUserIDFromContext(r.Context()), req.ChargeID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{
		"charge_id":       res.ChargeID,
		"refund_id":       res.RefundID,
		"refund_cents":    res.RefundCents,
		"mana_deducted":   res.ManaDeducted,
		"booster_balance": res.BoosterBalance,
	})
}

// ========== 礼物 ==========

func (s *Server) handleListGifts(w http.ResponseWriter, r *http.Request) {
	gifts, err := s.svc.ListGifts(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"gifts": gifts})
}

type sendGiftRequest struct {
	Recipient string `json:"recipient" validate:"required,max=320"`
}

func (s *Server) handleSendGift(w http.ResponseWriter, r *http.Request) {
	var req sendGiftRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allow(w, r, ratelimit.ActionGiftSend) {
		return
	}
	gift, err := s.svc.SendGift(r.Context(), getUserIDFromContext(r.Context()), req.Recipient)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"gift": gift})
}

func (s *Server) handleAcceptGift(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !s.allow(w, r, ratelimit.ActionGiftRespond) {
		return
	}
	res, err := s.svc.AcceptGift(r.Context(), getUserIDFromContext(r.Context()), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"gift": res.Gift, "active_until": res.ActiveUntil})
}

func (s *Server) handleDeclineGift(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !s.allow(w, r, ratelimit.ActionGiftRespond) {
		return
	}
	gift, err := s.svc.DeclineGift(r.Context(), getUserIDFromContext(r.Context()), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"gift": gift})
}

func (s *Server) handleCancelGift(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !s.allow(w, r, ratelimit.ActionGiftRespond) {
		return
	}
	if err := s.svc.CancelGift(r.Context(), getUserIDFromContext(r.Context()), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, nil)
}

// ========== 管理员 ==========

func (s *Server) handleAdminListRefundRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.svc.ListRefundRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, map[string]any{"refund_requests": reqs})
}

func (s *Server) handleAdminResolveRefundRequest(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		resolved, err := s.svc.ResolveRefundRequest(r.Context(), id, approve)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		logging.Ctx(r.Context()).Info().
			Int64("admin_id", getUserIDFromContext(r.Context())).
			Int64("refund_request_id", id).
			Str("status", resolved.Status).
			Msg("refund request resolved")
		respondSuccess(w, map[string]any{"refund_request": resolved})
	}
}

// ========== Webhook ==========

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondServiceError(w, r, services.ErrStripeNotConfigured)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := ledger.ParseEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues("unknown", "invalid").Inc()
		logging.Ctx(r.Context()).Warn().Err(err).Msg("stripe webhook rejected")
		respondError(w, http.StatusBadRequest, errors.New("invalid webhook signature or payload"))
		return
	}

	if err := s.svc.HandleStripeEvent(r.Context(), event); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(event.Type, "error").Inc()
		logging.Ctx(r.Context()).Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("stripe webhook failed")
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "webhook processing failed"})
		return
	}
	metrics.WebhookRequestsTotal.WithLabelValues(event.Type, "ok").Inc()
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

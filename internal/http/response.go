package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"manabilling/internal/logging"
	"manabilling/internal/services"
)

type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondSuccess writes {"success": true, ...fields}.
func respondSuccess(w http.ResponseWriter, fields map[string]any) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	respondJSON(w, http.StatusOK, body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// 冲突类拒绝返回 409，其余业务拒绝返回 422
var conflictCodes = map[string]bool{
	services.ErrAlreadySubscribed.Code:       true,
	services.ErrAlreadyAnnual.Code:           true,
	services.ErrUpgradeAlreadyScheduled.Code: true,
	services.ErrUpgradePending.Code:          true,
	services.ErrAlreadyRefunded.Code:         true,
	services.ErrDuplicateRefundRequest.Code:  true,
	services.ErrRefundRequestProcessed.Code:  true,
	services.ErrGiftUnavailable.Code:         true,
}

var forbiddenCodes = map[string]bool{
	services.ErrNotGiftRecipient.Code: true,
	services.ErrNotGiftSender.Code:    true,
}

func rejectionStatus(rej *services.Rejection) int {
	switch rej.Kind {
	case services.KindRateLimited:
		return http.StatusTooManyRequests
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindRemoteFailure:
		return http.StatusBadGateway
	}
	switch {
	case conflictCodes[rej.Code]:
		return http.StatusConflict
	case forbiddenCodes[rej.Code]:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := services.AsRejection(err); ok {
		resp := ErrorResponse{Error: rej.Message, Code: rej.Code}
		if rej.RetryAfter > 0 {
			resp.RetryAfterSeconds = int(math.Ceil(rej.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
		}
		respondJSON(w, rejectionStatus(rej), resp)
		return
	}

	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		// 未知错误只记日志，不把细节返回给调用方
		logging.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int64("user_id", getUserIDFromContext(r.Context())).
			Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

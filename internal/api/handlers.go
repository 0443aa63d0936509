/**
 * @description
 * HTTP handlers for the exchange endpoints. Major-unit amounts from clients are
 * converted to smallest units here; everything below the handler works in
 * smallest units only.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request validation.
 * - internal/domain: error taxonomy mapped onto status codes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/domain"
)

// ExchangeService is the part of the admission orchestrator the handlers use.
type ExchangeService interface {
	InitiateExchange(ctx context.Context, userID uuid.UUID, req domain.ExchangeRequest) (*domain.ExchangeInitiation, error)
	GetExchange(ctx context.Context, userID uuid.UUID, reference string) (*domain.Transaction, error)
}

type ExchangeHandlers struct {
	service  ExchangeService
	validate *validator.Validate
}

func NewExchangeHandlers(service ExchangeService) *ExchangeHandlers {
	return &ExchangeHandlers{service: service, validate: validator.New()}
}

type initiateExchangeRequest struct {
	FromCurrency string `json:"from_currency" validate:"required,len=3,alpha"`
	ToCurrency   string `json:"to_currency" validate:"required,len=3,alpha"`
	Amount       string `json:"amount" validate:"required,numeric"`
	RateID       string `json:"rate_id" validate:"required,uuid"`
	Side         string `json:"side" validate:"omitempty,oneof=buy sell"`
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Current string `json:"current,omitempty"`
	Limit   string `json:"limit,omitempty"`
}

// InitiateExchangeHandler admits an exchange and answers 202 once its job is queued.
func (h *ExchangeHandlers) InitiateExchangeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	log := logrus.WithFields(logrus.Fields{"component": "api", "endpoint": "initiate_exchange", "user_id": userID})

	var body initiateExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.WithField("reason", "invalid_json").WithError(err).Warn("rejected request")
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		log.WithField("reason", "validation").WithError(err).Warn("rejected request")
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	from := domain.NormalizeCurrency(body.FromCurrency)
	amount, err := domain.ToMinorUnits(body.Amount, from)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rateID, _ := uuid.Parse(body.RateID)

	res, err := h.service.InitiateExchange(r.Context(), userID, domain.ExchangeRequest{
		FromCurrency: from,
		ToCurrency:   domain.NormalizeCurrency(body.ToCurrency),
		Amount:       amount,
		RateID:       rateID,
		Side:         domain.ExchangeSide(body.Side),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GetExchangeHandler returns one of the caller's exchanges by reference.
func (h *ExchangeHandlers) GetExchangeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		writeError(w, http.StatusBadRequest, "Reference is required")
		return
	}

	tx, err := h.service.GetExchange(r.Context(), userID, reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request body"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(fields, "; ")
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		limitErr     *domain.LimitExceededError
		admissionErr *domain.AdmissionError
	)
	switch {
	case errors.As(err, &limitErr):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   limitErr.Error(),
			Code:    string(limitErr.Kind),
			Current: formatLimitValue(limitErr, limitErr.Current),
			Limit:   formatLimitValue(limitErr, limitErr.Limit),
		})
	case errors.As(err, &admissionErr):
		status := http.StatusBadRequest
		switch admissionErr.Reason {
		case domain.ReasonInsufficientBalance, domain.ReasonDuplicatePending:
			status = http.StatusUnprocessableEntity
		case domain.ReasonKYCRequired:
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: admissionErr.Error(), Code: string(admissionErr.Reason)})
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Exchange not found")
	case errors.Is(err, domain.ErrTransient):
		logrus.WithField("component", "api").WithError(err).Warn("transient failure")
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
	default:
		logrus.WithField("component", "api").WithError(err).Error("unhandled error")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func formatLimitValue(e *domain.LimitExceededError, v int64) string {
	switch e.Kind {
	case domain.LimitPendingCount, domain.LimitWeeklyCount:
		return strconv.FormatInt(v, 10)
	}
	return domain.FormatMinorUnits(v, e.Currency)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

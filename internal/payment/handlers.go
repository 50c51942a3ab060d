package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v75"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/processor"
)

// Handler exposes the storefront payment endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// NewHandler wires a Handler with a validator instance.
func NewHandler(svc *Service) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Svc: svc, Validate: v}
}

type customerReq struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type intentReq struct {
	Amount    int64             `json:"amount" validate:"required,gt=0"`
	Currency  string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Plan      string            `json:"plan" validate:"max=200"`
	VIN       string            `json:"vin" validate:"max=64"`
	OrderID   string            `json:"orderId" validate:"max=128"`
	Customer  *customerReq      `json:"customer" validate:"required"`
	Metadata  map[string]string `json:"metadata"`
	ReturnURL string            `json:"return_url" validate:"omitempty,url"`
}

type confirmReq struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	PaymentMethod   *struct {
		Card    *CardInput `json:"card" validate:"required"`
		Billing Billing    `json:"billing"`
	} `json:"paymentMethod" validate:"required"`
}

type hostedResp struct {
	IntentID    string `json:"intentId"`
	RedirectURL string `json:"redirect_url"`
	Simulated   bool   `json:"simulated"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body", nil)
		return false
	}
	if h.Validate == nil {
		return true
	}
	if err := h.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fieldPath(fe.Namespace())] = fe.Tag()
			}
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", fields)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return false
	}
	return true
}

// fieldPath drops the request type from a namespace such as
// intentReq.customer.email.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func (req intentReq) input() CreateIntentInput {
	in := CreateIntentInput{
		Amount:    req.Amount,
		Currency:  req.Currency,
		OrderID:   strings.TrimSpace(req.OrderID),
		Plan:      req.Plan,
		VIN:       req.VIN,
		Metadata:  req.Metadata,
		ReturnURL: strings.TrimSpace(req.ReturnURL),
	}
	if req.Customer != nil {
		in.Customer.Email = req.Customer.Email
		in.Customer.FirstName = req.Customer.FirstName
		in.Customer.LastName = req.Customer.LastName
	}
	return in
}

// CreateIntent handles POST /api/create-payment-intent.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req intentReq
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.Svc.CreateIntent(r.Context(), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, intent)
}

// CreateHostedSession handles POST /api/create-hpp-session.
func (h *Handler) CreateHostedSession(w http.ResponseWriter, r *http.Request) {
	var req intentReq
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.Svc.CreateHostedSession(r.Context(), req.input())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, hostedResp{IntentID: intent.ID, RedirectURL: intent.RedirectURL, Simulated: intent.Simulated})
}

// Confirm handles POST /api/confirm-payment.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmReq
	if !h.decode(w, r, &req) {
		return
	}
	payment, err := h.Svc.Confirm(r.Context(), ConfirmInput{
		PaymentIntentID: req.PaymentIntentID,
		Card:            req.PaymentMethod.Card,
		Billing:         req.PaymentMethod.Billing,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, payment)
}

// Payment handles GET /api/payment/{id}.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Payment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, rec)
}

// PaymentByOrder handles GET /api/payment/order/{orderId}.
func (h *Handler) PaymentByOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.PaymentByOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, rec)
}

// Intent handles GET /api/payment-intent/{id}.
func (h *Handler) Intent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.Svc.Intent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, intent)
}

// Payments handles GET /api/payments.
func (h *Handler) Payments(w http.ResponseWriter, r *http.Request) {
	items, err := h.Svc.Payments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSONList(w, items)
}

// Intents handles GET /api/payment-intents.
func (h *Handler) Intents(w http.ResponseWriter, r *http.Request) {
	items, err := h.Svc.Intents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSONList(w, items)
}

// writeError maps service errors onto the canonical error envelope.
func writeError(w http.ResponseWriter, err error) {
	common.WriteAppError(w, toAppError(err))
}

// toAppError attaches the HTTP status and code for err. Errors it does not
// recognise are returned unchanged and render as 500 INTERNAL.
func toAppError(err error) error {
	var fieldErr *FieldError
	var decline *DeclineError
	switch {
	case errors.As(err, &fieldErr):
		return common.NewAppError("VALIDATION_ERROR", "invalid request", http.StatusBadRequest, err).WithDetails(fieldErr.Fields)
	case errors.Is(err, ErrInvalidCardNumber):
		return common.NewAppError("INVALID_CARD_NUMBER", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidExpiry):
		return common.NewAppError("INVALID_EXPIRY", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrCardExpired):
		return common.NewAppError("CARD_EXPIRED", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidCVV):
		return common.NewAppError("INVALID_CVV", err.Error(), http.StatusBadRequest, err)
	case errors.As(err, &decline):
		return common.NewAppError("PAYMENT_DECLINED", "payment was not completed", http.StatusBadRequest, err).WithDetails(map[string]string{
			"status":       decline.Status,
			"outcome":      decline.Outcome.String(),
			"decline_code": decline.Code,
		})
	case errors.Is(err, ErrValidation):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrMissingRedirect):
		return common.NewAppError("MISSING_REDIRECT", "processor returned no redirect url", http.StatusInternalServerError, err)
	case errors.Is(err, ErrAuth):
		return common.NewAppError("PROCESSOR_AUTH_FAILED", "processor authentication failed", http.StatusInternalServerError, err).WithDetails(upstreamDetails(err))
	case errors.Is(err, ErrUpstream):
		return common.NewAppError("UPSTREAM_ERROR", "payment processor request failed", http.StatusInternalServerError, err).WithDetails(upstreamDetails(err))
	default:
		return err
	}
}

func upstreamDetails(err error) any {
	var pe *processor.Error
	if errors.As(err, &pe) {
		if json.Valid(pe.Body) {
			return map[string]any{"status": pe.StatusCode, "body": json.RawMessage(pe.Body)}
		}
		return map[string]any{"status": pe.StatusCode, "body": string(pe.Body)}
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return map[string]any{"status": se.HTTPStatusCode, "code": se.Code, "message": se.Msg}
	}
	return nil
}

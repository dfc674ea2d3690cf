package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
	erpdomain "github.com/smallbiznis/cashup/internal/erp/domain"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
	matchdomain "github.com/smallbiznis/cashup/internal/match/domain"
	"github.com/smallbiznis/cashup/internal/money"
	orchdomain "github.com/smallbiznis/cashup/internal/orchestrator/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware turns the last gin error into the shared
// envelope. Handlers that already wrote a body are left alone.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Code: code, Message: "invalid value"},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, orchdomain.ErrAlreadyTerminal):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "workflow already terminal",
		}
	case errors.Is(err, commdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "recipient rate limited, delivery queued",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, orchdomain.ErrBusy), errors.Is(err, orchdomain.ErrDraining):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "busy",
			Message: "workflow intake saturated, retry later",
		}
	case errors.Is(err, extractdomain.ErrUnavailable), errors.Is(err, extractdomain.ErrTierUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "extractor_unavailable",
			Message: "extraction tiers unavailable",
		}
	default:
		return mapERPError(err)
	}
}

// mapERPError translates the ERP taxonomy: duplicates conflict,
// validation is a caller mistake, everything else is a bad gateway.
func mapERPError(err error) (int, errorPayload) {
	var erpErr *erpdomain.Error
	if !errors.As(err, &erpErr) {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
	switch erpErr.Kind {
	case erpdomain.KindValidation:
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: erpErr.Error(),
		}
	case erpdomain.KindDuplicate:
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_payment",
			Message: "transaction already applied in the erp",
		}
	default:
		return http.StatusBadGateway, errorPayload{
			Type:    "erp_error",
			Message: erpErr.Error(),
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, txndomain.ErrEmptyTransactionID),
		errors.Is(err, txndomain.ErrNegativeAmount),
		errors.Is(err, orchdomain.ErrEmptySourceAccount),
		errors.Is(err, orchdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrTooManyDecimals),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, extractdomain.ErrUnknownTier),
		errors.Is(err, erpdomain.ErrUnknownSystem),
		errors.Is(err, erpdomain.ErrEmptyTransaction),
		errors.Is(err, erpdomain.ErrNoApplicationLine),
		errors.Is(err, erpdomain.ErrLineAmountInvalid),
		errors.Is(err, erpdomain.ErrTotalMismatch),
		errors.Is(err, commdomain.ErrUnknownKind),
		errors.Is(err, commdomain.ErrEmptyRecipient),
		errors.Is(err, commdomain.ErrMissingField):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orchdomain.ErrNotFound),
		errors.Is(err, txndomain.ErrNotFound),
		errors.Is(err, matchdomain.ErrNotFound),
		errors.Is(err, commdomain.ErrTemplateNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger's error_type/error_code
// fields without rendering a response.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status >= http.StatusBadRequest:
		return "client", payload.Type
	default:
		return "", payload.Type
	}
}

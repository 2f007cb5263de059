package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/fiscaldoc/internal/audit/domain"
	"github.com/smallbiznis/fiscaldoc/internal/authorization"
	billingdomain "github.com/smallbiznis/fiscaldoc/internal/billing/domain"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	"github.com/smallbiznis/fiscaldoc/internal/document/report"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	organizationdomain "github.com/smallbiznis/fiscaldoc/internal/organization/domain"
	plandomain "github.com/smallbiznis/fiscaldoc/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
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

	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Refunded  *int64 `json:"refunded,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
	ErrCompanyRequired    = errors.New("company_required")
)

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

	// The message tells the caller which wallet to top up and by how much.
	if insufficient, ok := ledgerdomain.AsInsufficientFunds(err); ok {
		required := insufficient.Required
		available := insufficient.Available
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_funds",
			Message:   insufficient.Error(),
			Required:  &required,
			Available: &available,
		}
	}

	var provisioningErr *subscriptiondomain.ProvisioningError
	if errors.As(err, &provisioningErr) && provisioningErr != nil {
		refunded := provisioningErr.Refunded
		return http.StatusBadGateway, errorPayload{
			Type:     "provisioning_failed",
			Message:  "the subscription was refunded because its analysis workflow could not be provisioned",
			Refunded: &refunded,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, organizationdomain.ErrMemberExists),
		errors.Is(err, documentdomain.ErrInvalidTransition),
		errors.Is(err, documentdomain.ErrConcurrentUpdate):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isUnprocessableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
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
		errors.Is(err, ErrCompanyRequired),
		errors.Is(err, report.ErrEmptyPayload),
		errors.Is(err, report.ErrMalformedPayload):
		return true
	case isDocumentValidationError(err),
		isLedgerValidationError(err),
		isOrganizationValidationError(err),
		isSubscriptionValidationError(err),
		isAuditValidationError(err):
		return true
	default:
		return false
	}
}

func isDocumentValidationError(err error) bool {
	switch {
	case errors.Is(err, documentdomain.ErrInvalidCompany),
		errors.Is(err, documentdomain.ErrInvalidUser),
		errors.Is(err, documentdomain.ErrInvalidDocument),
		errors.Is(err, documentdomain.ErrInvalidStatus),
		errors.Is(err, documentdomain.ErrInvalidPageToken),
		errors.Is(err, documentdomain.ErrNoFiles),
		errors.Is(err, billingdomain.ErrInvalidCount):
		return true
	default:
		return false
	}
}

func isLedgerValidationError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidOwner),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrSameWallet):
		return true
	default:
		return false
	}
}

func isOrganizationValidationError(err error) bool {
	switch {
	case errors.Is(err, organizationdomain.ErrInvalidName),
		errors.Is(err, organizationdomain.ErrInvalidUser),
		errors.Is(err, organizationdomain.ErrInvalidCompany),
		errors.Is(err, organizationdomain.ErrInvalidRole),
		errors.Is(err, organizationdomain.ErrInvalidAmount):
		return true
	default:
		return false
	}
}

func isSubscriptionValidationError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidCompany),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidPageToken),
		errors.Is(err, plandomain.ErrInvalidSlug):
		return true
	default:
		return false
	}
}

func isAuditValidationError(err error) bool {
	switch {
	case errors.Is(err, auditdomain.ErrInvalidCompany),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

// isUnprocessableError covers well-formed requests the current state refuses.
func isUnprocessableError(err error) bool {
	switch {
	case errors.Is(err, organizationdomain.ErrCompanyNotVerified),
		errors.Is(err, organizationdomain.ErrCompanyDeleted),
		errors.Is(err, organizationdomain.ErrSeatLimitReached),
		errors.Is(err, documentdomain.ErrCompanyUnavailable),
		errors.Is(err, plandomain.ErrPlanInactive):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, documentdomain.ErrDocumentNotFound),
		errors.Is(err, organizationdomain.ErrCompanyNotFound),
		errors.Is(err, organizationdomain.ErrMemberNotFound),
		errors.Is(err, billingdomain.ErrMemberNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, ledgerdomain.ErrWalletNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, documentdomain.ErrInvalidTransition):
		return "document cannot be resolved from its current status"
	case errors.Is(err, documentdomain.ErrConcurrentUpdate):
		return "document was updated concurrently"
	default:
		return "conflict"
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, report.ErrEmptyPayload):
		return report.ErrEmptyPayload.Error()
	case errors.Is(err, report.ErrMalformedPayload):
		return report.ErrMalformedPayload.Error()
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "no_files":
		return "at least one file is required"
	case "company_required":
		return "company header is required"
	default:
		return "invalid value"
	}
}

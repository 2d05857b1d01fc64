package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/shopledger/backend/internal/models"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error     string            `json:"error"`               // Error message
	Details   map[string]string `json:"details,omitempty"`   // Validation details
	Retryable bool              `json:"retryable,omitempty"` // Safe to retry with fresh codes
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterStructValidation(validateLineItem, models.LineItem{})
	return &ValidationHelper{
		validator: v,
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

func validateLineItem(sl validator.StructLevel) {
	item := sl.Current().Interface().(models.LineItem)
	if err := item.Extra.Validate(); err != nil {
		sl.ReportError(item.Extra, "Extra", "extra", "extra_bounds", "")
	}
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	errorResp := ErrorResponse{Error: message}

	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range verrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	SendJSON(w, statusCode, errorResp)
}

// SendServiceError maps engine errors onto HTTP statuses
func SendServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"
	retryable := false

	switch {
	case errors.Is(err, ErrInsufficientBalance):
		status, message = http.StatusPaymentRequired, err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidItems), errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrInvalidCodeCount), errors.Is(err, ErrInvalidCodes), errors.Is(err, ErrRefundExceedsPrice):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrOrderNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrCodesReserved):
		status, message = http.StatusConflict, err.Error()
	case IsTransient(err):
		status, message, retryable = http.StatusServiceUnavailable, "Temporarily unavailable, retry", true
	}

	SendJSON(w, status, ErrorResponse{Error: message, Retryable: retryable})
}

// SendJSON writes v with the given status
func SendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

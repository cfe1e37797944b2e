package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []ValidationError
}

// ValidationError describes a field-level failure on a 422 response.
type ValidationError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (err *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "forge: HTTP %d: %s", err.StatusCode, err.Message)
	for _, v := range err.Errors {
		detail := v.Message
		if detail == "" {
			detail = v.Code
		}
		fmt.Fprintf(&builder, "; %s.%s: %s", v.Resource, v.Field, detail)
	}
	return builder.String()
}

func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Message string            `json:"message"`
		Errors  []ValidationError `json:"errors"`
	}
	apiError := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiError.Message = payload.Message
		apiError.Errors = payload.Errors
	} else {
		apiError.Message = http.StatusText(status)
	}
	return apiError
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsValidationFailed reports whether err is a 422 response.
func IsValidationFailed(err error) bool {
	return hasStatus(err, http.StatusUnprocessableEntity)
}

func hasStatus(err error, status int) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == status
}

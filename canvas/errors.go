package canvas

import (
	"errors"
	"fmt"
)

const (
	ErrorCodeElementNotFound         = "element_not_found"
	ErrorCodeElementLocked           = "element_locked"
	ErrorCodeElementLimitExceeded    = "element_limit_exceeded"
	ErrorCodeConnectionLimitExceeded = "connection_limit_exceeded"
	ErrorCodeRateLimited             = "rate_limited"
	ErrorCodeValidation              = "validation_error"
	ErrorCodeInternal                = "internal_error"
)

// carried across the public api boundary instead of free-form errors,
// so callers can branch on `Code`
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (self *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

func NewElementNotFoundError(elementId string) *ResultError {
	return &ResultError{
		Code:    ErrorCodeElementNotFound,
		Message: fmt.Sprintf("Element not found: %s", elementId),
	}
}

func NewElementLockedError(elementId string) *ResultError {
	return &ResultError{
		Code:    ErrorCodeElementLocked,
		Message: fmt.Sprintf("Element is locked: %s", elementId),
	}
}

func NewElementLimitExceededError(limit int) *ResultError {
	return &ResultError{
		Code:    ErrorCodeElementLimitExceeded,
		Message: fmt.Sprintf("Canvas element limit exceeded: %d", limit),
	}
}

func NewConnectionLimitExceededError(limit int) *ResultError {
	return &ResultError{
		Code:    ErrorCodeConnectionLimitExceeded,
		Message: fmt.Sprintf("Connection limit exceeded: %d", limit),
	}
}

func NewRateLimitedError() *ResultError {
	return &ResultError{
		Code:    ErrorCodeRateLimited,
		Message: "Rate limit exceeded",
	}
}

func NewValidationError(format string, a ...any) *ResultError {
	return &ResultError{
		Code:    ErrorCodeValidation,
		Message: fmt.Sprintf(format, a...),
	}
}

func NewInternalError(err error) *ResultError {
	return &ResultError{
		Code:    ErrorCodeInternal,
		Message: err.Error(),
	}
}

// AsResultError normalizes any error into a `*ResultError` for the api boundary
func AsResultError(err error) *ResultError {
	var resultError *ResultError
	if errors.As(err, &resultError) {
		return resultError
	}
	return NewInternalError(err)
}

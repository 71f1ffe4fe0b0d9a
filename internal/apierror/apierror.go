/*
Copyright 2025 Tradepost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrInvalidAmount          ErrorCode = "INVALID_AMOUNT"
	ErrSameParty              ErrorCode = "SAME_PARTY"
	ErrInsufficientFunds      ErrorCode = "INSUFFICIENT_FUNDS"
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrDuplicateHold          ErrorCode = "DUPLICATE_HOLD"
	ErrHoldNotActive          ErrorCode = "HOLD_NOT_ACTIVE"
	ErrAlreadyDisputed        ErrorCode = "ALREADY_DISPUTED"
	ErrAlreadyResolved        ErrorCode = "ALREADY_RESOLVED"
	ErrForbidden              ErrorCode = "FORBIDDEN"
	ErrNotFound               ErrorCode = "NOT_FOUND"
	ErrConflict               ErrorCode = "CONFLICT"
	ErrInvalidInput           ErrorCode = "INVALID_INPUT"
	ErrStoreUnavailable       ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalServer         ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf extracts the error code from an error chain. Unrecognized
// errors report as internal.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the failure is a transient infrastructure
// fault worth retrying. Validation and business-rule failures are not.
func Retryable(err error) bool {
	return Is(err, ErrStoreUnavailable)
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict, ErrDuplicateHold, ErrAlreadyDisputed, ErrAlreadyResolved, ErrInvalidStateTransition, ErrHoldNotActive:
			return http.StatusConflict
		case ErrInvalidInput, ErrInvalidAmount, ErrSameParty:
			return http.StatusBadRequest
		case ErrInsufficientFunds:
			return http.StatusPaymentRequired
		case ErrForbidden:
			return http.StatusForbidden
		case ErrStoreUnavailable:
			return http.StatusServiceUnavailable
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

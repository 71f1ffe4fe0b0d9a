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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tradepost/escrow/internal/apierror"
)

func TestNewAPIError(t *testing.T) {
	details := "balance check failed"
	apiErr := apierror.NewAPIError(apierror.ErrInsufficientFunds, "Insufficient funds", details)

	assert.Equal(t, apierror.ErrInsufficientFunds, apiErr.Code)
	assert.Equal(t, "Insufficient funds", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "INSUFFICIENT_FUNDS: Insufficient funds", apiErr.Error())
}

func TestCodeOf(t *testing.T) {
	err := apierror.NewAPIError(apierror.ErrDuplicateHold, "Hold already exists", nil)
	assert.Equal(t, apierror.ErrDuplicateHold, apierror.CodeOf(err))

	wrapped := fmt.Errorf("placing hold: %w", err)
	assert.Equal(t, apierror.ErrDuplicateHold, apierror.CodeOf(wrapped))

	assert.Equal(t, apierror.ErrInternalServer, apierror.CodeOf(errors.New("plain error")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, apierror.Retryable(apierror.NewAPIError(apierror.ErrStoreUnavailable, "db down", nil)))
	assert.False(t, apierror.Retryable(apierror.NewAPIError(apierror.ErrInvalidStateTransition, "bad transition", nil)))
	assert.False(t, apierror.Retryable(errors.New("plain error")))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", apierror.NewAPIError(apierror.ErrNotFound, "missing", nil), http.StatusNotFound},
		{"invalid amount", apierror.NewAPIError(apierror.ErrInvalidAmount, "bad amount", nil), http.StatusBadRequest},
		{"insufficient funds", apierror.NewAPIError(apierror.ErrInsufficientFunds, "top up", nil), http.StatusPaymentRequired},
		{"invalid transition", apierror.NewAPIError(apierror.ErrInvalidStateTransition, "not available", nil), http.StatusConflict},
		{"duplicate hold", apierror.NewAPIError(apierror.ErrDuplicateHold, "exists", nil), http.StatusConflict},
		{"already resolved", apierror.NewAPIError(apierror.ErrAlreadyResolved, "done", nil), http.StatusConflict},
		{"forbidden", apierror.NewAPIError(apierror.ErrForbidden, "no", nil), http.StatusForbidden},
		{"store unavailable", apierror.NewAPIError(apierror.ErrStoreUnavailable, "transient", nil), http.StatusServiceUnavailable},
		{"unknown", errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}

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

package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to payment processing", StatusPending, StatusPaymentProcessing, true},
		{"pending to canceled", StatusPending, StatusCanceled, true},
		{"pending to escrow held", StatusPending, StatusEscrowHeld, false},
		{"payment processing to escrow held", StatusPaymentProcessing, StatusEscrowHeld, true},
		{"payment processing rolls back to pending", StatusPaymentProcessing, StatusPending, true},
		{"payment processing to disputed", StatusPaymentProcessing, StatusDisputed, true},
		{"escrow held to completed", StatusEscrowHeld, StatusCompleted, true},
		{"escrow held to refunded", StatusEscrowHeld, StatusRefunded, true},
		{"escrow held to disputed", StatusEscrowHeld, StatusDisputed, true},
		{"escrow held to canceled", StatusEscrowHeld, StatusCanceled, false},
		{"disputed to resolved buyer", StatusDisputed, StatusResolvedBuyer, true},
		{"disputed to resolved seller", StatusDisputed, StatusResolvedSeller, true},
		{"disputed to resolved split", StatusDisputed, StatusResolvedSplit, true},
		{"disputed to completed", StatusDisputed, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusRefunded, false},
		{"canceled is terminal", StatusCanceled, StatusPending, false},
		{"resolved buyer is terminal", StatusResolvedBuyer, StatusDisputed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCanceled, StatusRefunded, StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	open := []Status{StatusPending, StatusPaymentProcessing, StatusEscrowHeld, StatusDisputed}
	for _, s := range open {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestFeeForAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		feeBPS int64
		want   int64
	}{
		{"250 bps of 80.00", 8000, 250, 200},
		{"250 bps of 100.00", 10000, 250, 250},
		{"rounds half up", 1000, 250, 25},
		{"tiny amount rounds", 10, 250, 0},
		{"fee capped at amount", 1, 100000, 1},
		{"zero amount", 0, 250, 0},
		{"zero bps", 8000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FeeForAmount(tt.amount, tt.feeBPS))
		})
	}
}

func TestSplitAmount(t *testing.T) {
	tests := []struct {
		name        string
		amount      int64
		ratio       string
		wantBuyer   int64
		wantSeller  int64
	}{
		{"even split", 10000, "0.5", 5000, 5000},
		{"buyer favored", 10000, "0.75", 7500, 2500},
		{"odd amount leaves remainder with seller share intact", 101, "0.5", 51, 50},
		{"full ratio", 10000, "1", 10000, 0},
		{"zero ratio", 10000, "0", 0, 10000},
		{"ratio over one clamps", 10000, "1.5", 10000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ratio, err := decimal.NewFromString(tt.ratio)
			assert.NoError(t, err)
			buyer, seller := SplitAmount(tt.amount, ratio)
			assert.Equal(t, tt.wantBuyer, buyer)
			assert.Equal(t, tt.wantSeller, seller)
			assert.Equal(t, tt.amount, buyer+seller)
		})
	}
}

func TestStatusForOutcome(t *testing.T) {
	ds, ok := StatusForOutcome(OutcomeBuyer)
	assert.True(t, ok)
	assert.Equal(t, DisputeResolvedBuyer, ds)

	ts, ok := TransactionStatusForOutcome(OutcomeSplit)
	assert.True(t, ok)
	assert.Equal(t, StatusResolvedSplit, ts)

	_, ok = StatusForOutcome(Outcome("arbitrary"))
	assert.False(t, ok)
}

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

import "time"

type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "OPEN"
	DisputeResolvedBuyer  DisputeStatus = "RESOLVED_BUYER"
	DisputeResolvedSeller DisputeStatus = "RESOLVED_SELLER"
	DisputeResolvedSplit  DisputeStatus = "RESOLVED_SPLIT"
)

// Outcome is the resolver's decision on where held funds go.
type Outcome string

const (
	OutcomeBuyer  Outcome = "buyer"
	OutcomeSeller Outcome = "seller"
	OutcomeSplit  Outcome = "split"
)

// StatusForOutcome maps a resolution outcome to the dispute status it
// produces.
func StatusForOutcome(o Outcome) (DisputeStatus, bool) {
	switch o {
	case OutcomeBuyer:
		return DisputeResolvedBuyer, true
	case OutcomeSeller:
		return DisputeResolvedSeller, true
	case OutcomeSplit:
		return DisputeResolvedSplit, true
	}
	return "", false
}

// TransactionStatusForOutcome maps an outcome to the terminal
// transaction status driven alongside the dispute resolution.
func TransactionStatusForOutcome(o Outcome) (Status, bool) {
	switch o {
	case OutcomeBuyer:
		return StatusResolvedBuyer, true
	case OutcomeSeller:
		return StatusResolvedSeller, true
	case OutcomeSplit:
		return StatusResolvedSplit, true
	}
	return "", false
}

// Dispute records a contested transaction. At most one dispute exists
// per transaction, and once opened the transaction can never re-enter
// the payment flow.
type Dispute struct {
	ID             int64         `json:"-"`
	DisputeID      string        `json:"dispute_id"`
	TransactionID  string        `json:"transaction_id"`
	OpenerID       string        `json:"opener_id"`
	Reason         string        `json:"reason"`
	EvidenceRefs   []string      `json:"evidence_refs,omitempty"`
	Status         DisputeStatus `json:"status"`
	ResolutionNote string        `json:"resolution_note,omitempty"`
	ResolverID     string        `json:"resolver_id,omitempty"`
	SplitRatio     float64       `json:"split_ratio,omitempty"`
	OpenedAt       time.Time     `json:"opened_at"`
	EscalatedAt    *time.Time    `json:"escalated_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

// Resolved reports whether the dispute has reached a terminal status.
func (d *Dispute) Resolved() bool {
	return d.Status != DisputeOpen
}

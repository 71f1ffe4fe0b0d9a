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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// RecordDispute inserts a dispute row. The uniqueness of
// transaction_id means a transaction can only ever be disputed once;
// a second attempt reports AlreadyDisputed regardless of which caller
// got there first.
func (d Datasource) RecordDispute(ctx context.Context, dispute *model.Dispute) (*model.Dispute, error) {
	if dispute.DisputeID == "" {
		dispute.DisputeID = model.GenerateUUIDWithPrefix("dsp")
	}
	if dispute.OpenedAt.IsZero() {
		dispute.OpenedAt = time.Now()
	}
	if dispute.Status == "" {
		dispute.Status = model.DisputeOpen
	}

	evidenceJSON, err := json.Marshal(dispute.EvidenceRefs)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal evidence refs", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO disputes (dispute_id, transaction_id, opener_id, reason, evidence_refs, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, dispute.DisputeID, dispute.TransactionID, dispute.OpenerID, dispute.Reason, evidenceJSON, dispute.Status, dispute.OpenedAt)
	if err != nil {
		if isUniqueViolation(err, "transaction_id") {
			return nil, apierror.NewAPIError(apierror.ErrAlreadyDisputed,
				fmt.Sprintf("Transaction '%s' already has a dispute", dispute.TransactionID), err)
		}
		if isUniqueViolation(err, "") {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Dispute already recorded", err)
		}
		return nil, wrapStoreError(err, "Failed to record dispute")
	}
	return dispute, nil
}

func scanDispute(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Dispute, error) {
	dispute := &model.Dispute{}
	var evidenceJSON []byte
	var note, resolver sql.NullString
	var ratio sql.NullFloat64
	var escalatedAt, resolvedAt sql.NullTime
	err := scanner.Scan(&dispute.DisputeID, &dispute.TransactionID, &dispute.OpenerID, &dispute.Reason,
		&evidenceJSON, &dispute.Status, &note, &resolver, &ratio, &dispute.OpenedAt, &escalatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	dispute.ResolutionNote = note.String
	dispute.ResolverID = resolver.String
	dispute.SplitRatio = ratio.Float64
	if escalatedAt.Valid {
		dispute.EscalatedAt = &escalatedAt.Time
	}
	if resolvedAt.Valid {
		dispute.ResolvedAt = &resolvedAt.Time
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &dispute.EvidenceRefs); err != nil {
			return nil, err
		}
	}
	return dispute, nil
}

const disputeColumns = `dispute_id, transaction_id, opener_id, reason, evidence_refs, status,
		resolution_note, resolver_id, split_ratio, opened_at, escalated_at, resolved_at`

func (d Datasource) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE dispute_id = $1
	`, id)

	dispute, err := scanDispute(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Dispute with ID '%s' not found", id), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve dispute")
	}
	return dispute, nil
}

func (d Datasource) GetDisputeByTransaction(ctx context.Context, transactionID string) (*model.Dispute, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE transaction_id = $1
	`, transactionID)

	dispute, err := scanDispute(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("No dispute for transaction '%s'", transactionID), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve dispute")
	}
	return dispute, nil
}

// ResolveDisputeRecord writes the resolution fields. Conditional on
// the dispute still being OPEN; a second resolution attempt affects
// zero rows and reports AlreadyResolved.
func (d Datasource) ResolveDisputeRecord(ctx context.Context, dispute *model.Dispute) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution_note = $3, resolver_id = $4, split_ratio = $5, resolved_at = $6
		WHERE dispute_id = $1 AND status = 'OPEN'
	`, dispute.DisputeID, dispute.Status, dispute.ResolutionNote, dispute.ResolverID, dispute.SplitRatio, dispute.ResolvedAt)
	if err != nil {
		return wrapStoreError(err, "Failed to resolve dispute")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "Failed to resolve dispute")
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrAlreadyResolved,
			fmt.Sprintf("Dispute '%s' is already resolved", dispute.DisputeID), nil)
	}
	return nil
}

// MarkDisputeEscalated stamps the dispute so the sweeper notifies the
// moderation channel once, not on every pass.
func (d Datasource) MarkDisputeEscalated(ctx context.Context, disputeID string, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE disputes SET escalated_at = $2 WHERE dispute_id = $1 AND escalated_at IS NULL
	`, disputeID, at)
	if err != nil {
		return wrapStoreError(err, "Failed to mark dispute escalated")
	}
	return nil
}

// GetOpenDisputesOlderThan lists disputes past the SLA deadline that
// have not yet been escalated.
func (d Datasource) GetOpenDisputesOlderThan(ctx context.Context, before time.Time, limit int) ([]*model.Dispute, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'OPEN' AND escalated_at IS NULL AND opened_at < $1
		ORDER BY id ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve open disputes")
	}
	defer func() {
		_ = rows.Close()
	}()

	var disputes []*model.Dispute
	for rows.Next() {
		dispute, err := scanDispute(rows)
		if err != nil {
			return nil, wrapStoreError(err, "Failed to scan dispute")
		}
		disputes = append(disputes, dispute)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve open disputes")
	}
	return disputes, nil
}

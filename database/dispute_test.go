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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

func TestRecordDispute_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	dispute := &model.Dispute{
		TransactionID: "txn_1",
		OpenerID:      "buyer-1",
		Reason:        "item never arrived",
		EvidenceRefs:  []string{"https://evidence.example/1"},
	}
	evidenceJSON, err := json.Marshal(dispute.EvidenceRefs)
	assert.NoError(t, err)

	mock.ExpectExec("INSERT INTO disputes").
		WithArgs(sqlmock.AnyArg(), "txn_1", "buyer-1", "item never arrived", evidenceJSON, model.DisputeOpen, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.RecordDispute(context.Background(), dispute)
	assert.NoError(t, err)
	assert.Contains(t, created.DisputeID, "dsp_")
	assert.Equal(t, model.DisputeOpen, created.Status)
	assert.False(t, created.Resolved())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDispute_TransactionAlreadyDisputed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	dispute := &model.Dispute{TransactionID: "txn_1", OpenerID: "seller-1", Reason: "buyer claim is false"}

	mock.ExpectExec("INSERT INTO disputes").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "disputes_transaction_id_key"})

	_, err = ds.RecordDispute(context.Background(), dispute)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrAlreadyDisputed, apiErr.Code)
}

func TestGetDisputeByTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"dispute_id", "transaction_id", "opener_id", "reason", "evidence_refs", "status",
		"resolution_note", "resolver_id", "split_ratio", "opened_at", "escalated_at", "resolved_at"}).
		AddRow("dsp_1", "txn_1", "buyer-1", "item never arrived", []byte(`["https://evidence.example/1"]`), "OPEN",
			nil, nil, nil, time.Now(), nil, nil)

	mock.ExpectQuery("SELECT .* FROM disputes").
		WithArgs("txn_1").
		WillReturnRows(rows)

	dispute, err := ds.GetDisputeByTransaction(context.Background(), "txn_1")
	assert.NoError(t, err)
	assert.Equal(t, "dsp_1", dispute.DisputeID)
	assert.Equal(t, []string{"https://evidence.example/1"}, dispute.EvidenceRefs)
	assert.Nil(t, dispute.ResolvedAt)
}

func TestResolveDisputeRecord_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	dispute := &model.Dispute{
		DisputeID:      "dsp_1",
		Status:         model.DisputeResolvedSplit,
		ResolutionNote: "partial damage confirmed",
		ResolverID:     "ops-1",
		SplitRatio:     0.5,
		ResolvedAt:     &now,
	}

	mock.ExpectExec("UPDATE disputes").
		WithArgs("dsp_1", model.DisputeResolvedSplit, "partial damage confirmed", "ops-1", 0.5, &now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.ResolveDisputeRecord(context.Background(), dispute)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDisputeRecord_AlreadyResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	dispute := &model.Dispute{
		DisputeID:  "dsp_1",
		Status:     model.DisputeResolvedBuyer,
		ResolverID: "ops-1",
		ResolvedAt: &now,
	}

	mock.ExpectExec("UPDATE disputes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.ResolveDisputeRecord(context.Background(), dispute)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrAlreadyResolved, apiErr.Code)
}

func TestGetOpenDisputesOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	cutoff := time.Now().Add(-48 * time.Hour)
	rows := sqlmock.NewRows([]string{"dispute_id", "transaction_id", "opener_id", "reason", "evidence_refs", "status",
		"resolution_note", "resolver_id", "split_ratio", "opened_at", "escalated_at", "resolved_at"}).
		AddRow("dsp_1", "txn_1", "buyer-1", "item never arrived", nil, "OPEN",
			nil, nil, nil, cutoff.Add(-time.Hour), nil, nil)

	mock.ExpectQuery("SELECT .* FROM disputes").
		WithArgs(cutoff, 100).
		WillReturnRows(rows)

	disputes, err := ds.GetOpenDisputesOlderThan(context.Background(), cutoff, 100)
	assert.NoError(t, err)
	assert.Len(t, disputes, 1)
	assert.Equal(t, "dsp_1", disputes[0].DisputeID)
}

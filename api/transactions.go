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
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/tradepost/escrow/api/model"
	"github.com/tradepost/escrow/model"
)

// CreateTransaction opens a sale between a buyer and a seller. No
// funds move until the buyer pays.
//
// Responses:
// - 400 Bad Request: invalid payload, same-party sale, bad amount.
// - 201 Created: the new transaction in PENDING.
func (a Api) CreateTransaction(c *gin.Context) {
	var newTransaction model2.CreateTransaction
	if err := c.ShouldBindJSON(&newTransaction); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := newTransaction.ValidateCreateTransaction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.CreateTransaction(c.Request.Context(), newTransaction.ToTransaction())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// InitiatePayment funds the sale from the buyer's wallet.
//
// Responses:
// - 402 Payment Required: the wallet cannot cover the amount.
// - 409 Conflict: the idempotency key was used on another sale.
// - 200 OK: the transaction in ESCROW_HELD.
func (a Api) InitiatePayment(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var payment model2.InitiatePayment
	if err := c.ShouldBindJSON(&payment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := payment.ValidateInitiatePayment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.engine.InitiatePayment(c.Request.Context(), id, payment.WalletID, payment.IdempotencyKey, payment.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmDelivery completes the sale and pays out the seller.
func (a Api) ConfirmDelivery(c *gin.Context) {
	a.actorTransition(c, a.engine.ConfirmDelivery)
}

// Refund returns the held funds to the buyer in full.
func (a Api) Refund(c *gin.Context) {
	a.actorTransition(c, a.engine.Refund)
}

// Cancel abandons a sale before escrow is funded.
func (a Api) Cancel(c *gin.Context) {
	a.actorTransition(c, a.engine.Cancel)
}

func (a Api) actorTransition(c *gin.Context, op func(ctx context.Context, transactionID, actorID string) (*model.Transaction, error)) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var action model2.ActorAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := action.ValidateActorAction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := op(c.Request.Context(), id, action.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	txn, err := a.engine.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

// ListTransactions returns the sales a party is involved in, buyer or
// seller side.
func (a Api) ListTransactions(c *gin.Context) {
	partyID := c.Query("party_id")
	if partyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "party_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	transactions, err := a.engine.ListTransactionsByParty(c.Request.Context(), partyID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transactions)
}

// GetTransactionHistory returns the append-only transition audit
// trail for a sale.
func (a Api) GetTransactionHistory(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	events, err := a.engine.GetTransactionHistory(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

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
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/tradepost/escrow/api/model"
	"github.com/tradepost/escrow/model"
)

// OpenDispute contests a sale. Held funds freeze until resolution.
//
// Responses:
// - 403 Forbidden: the opener is not a party to the sale.
// - 409 Conflict: the sale is already disputed.
// - 201 Created: the new dispute.
func (a Api) OpenDispute(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var newDispute model2.OpenDispute
	if err := c.ShouldBindJSON(&newDispute); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := newDispute.ValidateOpenDispute(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	dispute, err := a.engine.OpenDispute(c.Request.Context(), id, newDispute.OpenerID, newDispute.Reason, newDispute.EvidenceRefs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

func (a Api) GetDispute(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	dispute, err := a.engine.GetDispute(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

// ResolveDispute applies a moderator decision to a disputed sale.
//
// Responses:
// - 403 Forbidden: the resolver is a party to the sale.
// - 409 Conflict: the dispute is already resolved.
// - 200 OK: the resolved dispute.
func (a Api) ResolveDispute(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var resolution model2.ResolveDispute
	if err := c.ShouldBindJSON(&resolution); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := resolution.ValidateResolveDispute(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	dispute, err := a.engine.ResolveDispute(c.Request.Context(), id, resolution.ResolverID,
		model.Outcome(resolution.Outcome), resolution.SplitRatio, resolution.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

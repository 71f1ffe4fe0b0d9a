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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tradepost/escrow"
	"github.com/tradepost/escrow/api/middleware"
	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/apierror"
)

type Api struct {
	engine *escrow.Engine
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/wallets", a.CreateWallet)
	router.GET("/wallets/:id", a.GetWallet)
	router.POST("/wallets/:id/deposit", a.Deposit)
	router.POST("/wallets/:id/withdraw", a.Withdraw)
	router.POST("/wallets/:id/status", a.UpdateWalletStatus)
	router.GET("/wallets/:id/entries", a.GetLedgerEntries)
	router.GET("/wallets/:id/reconcile", a.ReconcileWallet)

	router.POST("/transactions", a.CreateTransaction)
	router.GET("/transactions", a.ListTransactions)
	router.GET("/transactions/:id", a.GetTransaction)
	router.GET("/transactions/:id/history", a.GetTransactionHistory)
	router.POST("/transactions/:id/pay", a.InitiatePayment)
	router.POST("/transactions/:id/confirm", a.ConfirmDelivery)
	router.POST("/transactions/:id/refund", a.Refund)
	router.POST("/transactions/:id/cancel", a.Cancel)

	router.POST("/transactions/:id/disputes", a.OpenDispute)
	router.GET("/disputes/:id", a.GetDispute)
	router.POST("/disputes/:id/resolve", a.ResolveDispute)
	return a.router
}

func NewAPI(e *escrow.Engine) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: e, router: r}
}

// respondError maps engine errors onto HTTP statuses; validation and
// binding failures are handled at the call sites as plain 400s.
func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

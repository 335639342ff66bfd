/*
Copyright 2025 Satsback Authors.

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

	"github.com/satsback/satsback"
	"github.com/satsback/satsback/api/middleware"
	"github.com/satsback/satsback/config"
)

type Api struct {
	satsback *satsback.Satsback
	router   *gin.Engine
}

// Router wires the public webhook endpoints and the admin surface.
// Webhooks authenticate with platform signatures, not the secret key,
// so they sit outside the admin group.
func (a Api) Router() *gin.Engine {
	router := a.router

	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	webhooks := router.Group("/", middleware.AdmissionMiddleware(conf))
	webhooks.POST("/webhooks/shopify/:store_id", a.ShopifyWebhook)
	webhooks.POST("/webhooks/square/:store_id", a.SquareWebhook)
	webhooks.POST("/events/btcpay", a.InvoiceEvent)

	router.GET("/rewards/:reward_id", a.GetReward)
	router.POST("/claim/:reward_id", a.ClaimReward)

	admin := router.Group("/stores")
	if conf.Server.Secure {
		admin.Use(middleware.SecretKeyAuthMiddleware())
	}
	admin.GET("/:store_id/rewards", a.GetStoreRewards)
	admin.GET("/:store_id/wallet/balance", a.GetWalletBalance)
	admin.GET("/:store_id/settings", a.GetStoreSettings)
	admin.PUT("/:store_id/settings", a.UpdateStoreSettings)

	ops := router.Group("/failed-transactions")
	if conf.Server.Secure {
		ops.Use(middleware.SecretKeyAuthMiddleware())
	}
	ops.GET("", a.GetFailedTransactions)

	return a.router
}

func NewAPI(s *satsback.Satsback) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{satsback: s, router: r}
}

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
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/satsback/satsback/api/model"
	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/model"
)

// GetReward fetches a single reward issue by id.
func (a Api) GetReward(c *gin.Context) {
	rewardID, passed := c.Params.Get("reward_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reward_id is required. pass id in the route /:reward_id"})
		return
	}

	issue, err := a.satsback.GetReward(c.Request.Context(), rewardID)
	if err != nil {
		if apierror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reward not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, issue)
}

// ClaimReward marks a sent reward claimed. Claiming is idempotent: a
// second claim of the same reward returns the already-claimed record.
func (a Api) ClaimReward(c *gin.Context) {
	rewardID, passed := c.Params.Get("reward_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reward_id is required. pass id in the route /:reward_id"})
		return
	}

	issue, err := a.satsback.ClaimReward(c.Request.Context(), rewardID)
	if err != nil {
		if apierror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reward not found"})
			return
		}
		if apierror.IsConflict(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, issue)
}

// GetStoreRewards lists a store's reward issues, newest first.
func (a Api) GetStoreRewards(c *gin.Context) {
	storeID, passed := c.Params.Get("store_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required. pass id in the route /:store_id"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	var rewards []model.RewardIssue
	if customerEmail := c.Query("customer_email"); customerEmail != "" {
		rewards, err = a.satsback.GetCustomerRewards(c.Request.Context(), storeID, customerEmail, limit, offset)
	} else {
		rewards, err = a.satsback.GetStoreRewards(c.Request.Context(), storeID, limit, offset)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rewards)
}

// GetFailedTransactions lists unresolved wallet operations awaiting the
// retry sweep.
func (a Api) GetFailedTransactions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	failed, err := a.satsback.FailedTransactions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, failed)
}

// GetWalletBalance reports the store's spendable ecash balance in sats.
func (a Api) GetWalletBalance(c *gin.Context) {
	storeID, passed := c.Params.Get("store_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required. pass id in the route /:store_id"})
		return
	}

	balance, err := a.satsback.WalletBalance(c.Request.Context(), storeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"store_id": storeID, "balance_sats": balance})
}

// GetStoreSettings returns the store's rewards configuration.
func (a Api) GetStoreSettings(c *gin.Context) {
	storeID, passed := c.Params.Get("store_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required. pass id in the route /:store_id"})
		return
	}

	settings, err := a.satsback.GetStoreSettings(c.Request.Context(), storeID)
	if err != nil {
		if apierror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "store has no rewards configuration"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// UpdateStoreSettings creates or replaces the store's rewards
// configuration.
func (a Api) UpdateStoreSettings(c *gin.Context) {
	storeID, passed := c.Params.Get("store_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required. pass id in the route /:store_id"})
		return
	}

	var newSettings model2.UpdateStoreSettings
	if err := c.ShouldBindJSON(&newSettings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := newSettings.ValidateUpdateStoreSettings(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	settings := newSettings.ToStoreSettings(storeID)
	if err := a.satsback.SaveStoreSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

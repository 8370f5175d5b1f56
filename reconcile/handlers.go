package reconcile

import (
	"errors"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/lotsync_backend/models"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// EnqueueEventHandler accepts a captured production event and writes it to
// the inbox. POST /api/sync/events.
func EnqueueEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProductionEvent
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		event, err := models.InsertProductionEvent(c.Request.Context(), &input)
		if err != nil {
			var validationErrs validator.ValidationErrors
			if errors.As(err, &validationErrs) {
				c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
				return
			}
			if errors.Is(err, models.ErrQuantityNotPositive) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if errors.Is(err, models.ErrDuplicateEvent) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store production event"})
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

// TriggerPollHandler runs one polling pass synchronously and reports the
// pass stats. With ?async=true it publishes a poll request to the lot-sync
// topic instead, and the push subscription runs the pass.
// POST /api/sync/poll.
func TriggerPollHandler(poller *Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("async") == "true" {
			requestedBy, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			messageId, err := PublishPollRequest(c.Request.Context(), requestedBy)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"messageId": messageId})
			return
		}

		stats, err := poller.RunOnce(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// AttemptsHandler lists recent audit rows, newest first.
// GET /api/sync/attempts?lotCode=&limit=.
func AttemptsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		attempts, err := RecentAttempts(c.Request.Context(), db, c.Query("lotCode"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load reconciliation attempts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	}
}

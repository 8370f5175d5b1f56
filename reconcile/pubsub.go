package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PollPubSubPayload is the message body published to and received from the
// lot-sync topic. A message is a request to run one polling pass; the inbox
// table is the source of truth, so a duplicate delivery just drains an
// already empty batch.
type PollPubSubPayload struct {
	RequestedBy string    `json:"requestedBy"`
	RequestedAt time.Time `json:"requestedAt"`
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub push subscriptions POST
// to the endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data        []byte `json:"data,omitempty"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func lotSyncTopic() string {
	return utils.StringFromEnv("LOT_SYNC_TOPIC", "lot-sync")
}

// PublishPollRequest enqueues a poll request on the lot-sync topic.
func PublishPollRequest(ctx context.Context, requestedBy string) (string, error) {
	client, err := config.GetClient(ctx)
	if err != nil {
		return "", err
	}
	topic, err := config.CreateTopicIfNotExists(client, lotSyncTopic())
	if err != nil {
		return "", err
	}

	payload := PollPubSubPayload{RequestedBy: requestedBy, RequestedAt: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	return result.Get(ctx)
}

// PubSubPushHandler handles push deliveries from the lot-sync subscription.
// Any 2xx acks the message; a decode failure is acked too, since redelivery
// of a malformed message cannot succeed.
func PubSubPushHandler(poller *Poller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, moduleName, "PubSubPushHandler", "decode push envelope", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var payload PollPubSubPayload
		if len(envelope.Message.Data) > 0 {
			if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
				config.LogError(logger, moduleName, "PubSubPushHandler", "decode poll payload",
					map[string]interface{}{"messageId": envelope.Message.MessageID}, err)
				c.Status(http.StatusNoContent)
				return
			}
		}

		logger.WithFields(logrus.Fields{
			"module":      moduleName,
			"messageId":   envelope.Message.MessageID,
			"requestedBy": payload.RequestedBy,
		}).Info("poll request received")

		stats, err := poller.RunOnce(c.Request.Context())
		if err != nil {
			config.LogError(logger, moduleName, "PubSubPushHandler", "polling pass",
				map[string]interface{}{"messageId": envelope.Message.MessageID}, err)
			// Nack so the subscription redelivers once the fault clears.
			c.Status(http.StatusInternalServerError)
			return
		}
		logger.WithFields(logrus.Fields{
			"module":    moduleName,
			"messageId": envelope.Message.MessageID,
			"processed": stats.Processed,
			"failed":    stats.Failed,
		}).Info("poll request done")
		c.Status(http.StatusNoContent)
	}
}

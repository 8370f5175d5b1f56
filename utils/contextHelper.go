package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/lotsync_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyLotCode       = appctx.ContextKeyLotCode
	ContextKeyPollerId      = appctx.ContextKeyPollerId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetLotCodeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyLotCode)
}

func SetLotCodeInContext(ctx context.Context, lotCode string) context.Context {
	return appctx.Set(ctx, ContextKeyLotCode, lotCode)
}

func GetPollerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyPollerId)
}

func SetPollerIdInContext(ctx context.Context, pollerId string) context.Context {
	return appctx.Set(ctx, ContextKeyPollerId, pollerId)
}

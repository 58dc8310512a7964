package utils

import (
	"context"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/appctx"
)

var (
	ContextKeyActorName     = appctx.ContextKeyActorName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

// SystemActor is recorded on audit entries produced without a request actor (sweeps, CLI).
const SystemActor = "System"

func GetActorNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorName)
}

// ActorOrSystem returns the request actor, or SystemActor when none is set.
func ActorOrSystem(ctx context.Context) string {
	if ctx != nil {
		if v, ok := GetActorNameFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return SystemActor
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetActorNameInContext(ctx context.Context, name string) context.Context {
	return appctx.Set(ctx, ContextKeyActorName, name)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}


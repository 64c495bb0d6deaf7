package httpapi

import (
	"context"

	"github.com/openportability/realtime/internal/domain/realtime"
)

type authContextKey string

const viewerKey authContextKey = "viewer"

func withViewer(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, viewerKey, realtime.Viewer{UserID: userID})
}

// viewerFromContext returns the resolved viewer, anonymous when none was attached.
func viewerFromContext(ctx context.Context) realtime.Viewer {
	if v, ok := ctx.Value(viewerKey).(realtime.Viewer); ok {
		return v
	}
	return realtime.Viewer{}
}

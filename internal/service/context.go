package service

import (
	"context"

	"github.com/max-254/Uni-connect-sub002/internal/models"
)

type requestMetaKey struct{}

// WithRequestMeta attaches the caller's network origin so audit entries can be stamped server side.
func WithRequestMeta(ctx context.Context, meta models.RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns the origin stored by WithRequestMeta, if any.
func RequestMetaFromContext(ctx context.Context) models.RequestMeta {
	if ctx == nil {
		return models.RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaKey{}).(models.RequestMeta)
	return meta
}

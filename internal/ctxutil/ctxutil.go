package ctxutil

import (
	"context"
	"time"
)

// DefaultDBTimeout bounds a single store round-trip.
var DefaultDBTimeout = 5 * time.Second

// WithDBTimeout applies DefaultDBTimeout unless the parent already expires sooner.
func WithDBTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		if remain := time.Until(dl); remain < DefaultDBTimeout {
			return context.WithTimeout(parent, remain)
		}
	}
	return context.WithTimeout(parent, DefaultDBTimeout)
}

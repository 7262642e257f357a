package domain

import "context"

// Alerter raises operator alerts. Implementations must not block the caller.
type Alerter interface {
	Alert(ctx context.Context, event, message string)
}

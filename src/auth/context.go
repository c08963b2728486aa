package auth

import (
	"context"
)

type contextKey string

const FundManagerKey contextKey = "fund_manager"

// WithFundManager tags the request context with the signal's fund manager ID
// so downstream layers can log it without threading it through every call.
func WithFundManager(ctx context.Context, fundManagerID string) context.Context {
	return context.WithValue(ctx, FundManagerKey, fundManagerID)
}

func GetFundManagerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(FundManagerKey).(string)
	return id, ok && id != ""
}

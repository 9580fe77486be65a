package provider

import (
	"context"

	"ping_engine/internal/model"
)

type Provider interface {
	Name() string

	Me(ctx context.Context, account model.Account) (model.UserSummary, error)
	Checkin(ctx context.Context, account model.Account) (model.CheckinResult, error)
	Ping(ctx context.Context, account model.Account) (model.PingResult, error)
	ClaimTask(ctx context.Context, account model.Account, code string) (model.ClaimResult, error)
}

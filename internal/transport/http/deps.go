package httptransport

import (
	"context"

	"github.com/adiadia/session-replay/internal/domain"
	"github.com/adiadia/session-replay/internal/replay"
)

type SessionBuffer interface {
	Append(ctx context.Context, sessionID string, events []domain.CapturedEvent) (int, error)
	Finalize(ctx context.Context, sessionID string) (domain.SessionData, error)
}

type SessionPersister interface {
	Execute(ctx context.Context, sessionID string, events []domain.CapturedEvent, isFinalize bool) (replay.Result, error)
}

type SessionCatalog interface {
	List(ctx context.Context, limit, offset int) ([]domain.SessionIndexEntry, error)
	Get(ctx context.Context, sessionID string) (domain.SessionData, error)
}

type FinalizeNotifier interface {
	Notify(ctx context.Context, meta domain.SessionMetadata, trigger string)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Check(ctx context.Context) error { return f(ctx) }

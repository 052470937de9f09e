package subscriptions

import (
	"context"
	"log/slog"
)

// Sweeper is the scheduled expiry job. It calls the same
// UpdateExpiredSubscriptions the foreground surface exposes; there is no
// separate sweep code path.
type Sweeper struct {
	service Service
	logger  *slog.Logger
}

func NewSweeper(service Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service: service,
		logger:  logger,
	}
}

func (s *Sweeper) Name() string {
	return "subscription-expiry-sweep"
}

func (s *Sweeper) Run(ctx context.Context) error {
	expired, err := s.service.UpdateExpiredSubscriptions(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.logger.Info("expiry sweep transitioned subscriptions", slog.Int("expired", expired))
	}
	return nil
}

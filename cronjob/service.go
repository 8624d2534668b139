// Package cronjob records the execution history of timed process starts.
// Only past executions are stored, scheduling itself happens in the engine.
package cronjob

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/iam"
	"github.com/flowstate-io/flowstate/internal/log"
)

type Service struct {
	b  backend.Backend
	cc iam.ClaimChecker

	logger *slog.Logger
}

func NewService(b backend.Backend, cc iam.ClaimChecker) *Service {
	return &Service{
		b:  b,
		cc: cc,

		logger: b.Options().Logger,
	}
}

// RecordExecution stores one cronjob execution. The crontab is validated in
// the standard five-field syntax before anything is written.
func (s *Service) RecordExecution(ctx context.Context, processModelID, startEventID, crontab string) error {
	if _, err := cron.ParseStandard(crontab); err != nil {
		return fmt.Errorf("invalid crontab %q: %w", crontab, err)
	}

	if err := s.b.CreateCronjobEntry(ctx, &backend.Cronjob{
		ProcessModelID: processModelID,
		StartEventID:   startEventID,
		Crontab:        crontab,
	}); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "recorded cronjob execution",
		slog.String(log.ProcessModelIDKey, processModelID),
		slog.String("crontab", crontab),
	)

	return nil
}

func (s *Service) GetAll(ctx context.Context, identity core.Identity, offset, limit int) ([]*backend.Cronjob, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadCronjobHistoryClaim); err != nil {
		return nil, err
	}

	return s.b.QueryCronjobEntries(ctx, backend.CronjobFilter{}, offset, limit)
}

func (s *Service) GetByProcessModel(
	ctx context.Context, identity core.Identity, processModelID, startEventID string, offset, limit int,
) ([]*backend.Cronjob, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadCronjobHistoryClaim); err != nil {
		return nil, err
	}

	return s.b.QueryCronjobEntries(ctx, backend.CronjobFilter{
		ProcessModelID: processModelID,
		StartEventID:   startEventID,
	}, offset, limit)
}

func (s *Service) GetByCrontab(ctx context.Context, identity core.Identity, crontab string, offset, limit int) ([]*backend.Cronjob, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadCronjobHistoryClaim); err != nil {
		return nil, err
	}

	return s.b.QueryCronjobEntries(ctx, backend.CronjobFilter{Crontab: crontab}, offset, limit)
}

// Package externaltask exposes the lease-based work queue to engine and
// worker code. Every operation is authorized through the configured claim
// checker before it reaches the store.
package externaltask

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/metrics"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/iam"
	"github.com/flowstate-io/flowstate/internal/log"
	"github.com/flowstate-io/flowstate/internal/metrickeys"
)

type Service struct {
	b  backend.Backend
	cc iam.ClaimChecker

	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
}

func NewService(b backend.Backend, cc iam.ClaimChecker) *Service {
	options := b.Options()

	return &Service{
		b:  b,
		cc: cc,

		logger:  options.Logger,
		metrics: options.Metrics,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
	}
}

// Options exposes the backend options, e.g. to workers built on top of the
// service.
func (s *Service) Options() *backend.Options {
	return s.b.Options()
}

func (s *Service) Create(
	ctx context.Context,
	identity core.Identity,
	topic, correlationID, processModelID, processInstanceID, flowNodeInstanceID string,
	p payload.Payload,
) (string, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return "", err
	}

	ctx, span := s.tracer.Start(ctx, "CreateExternalTask", trace.WithAttributes(
		attribute.String(log.TopicKey, topic),
		attribute.String(log.ProcessInstanceIDKey, processInstanceID),
	))
	defer span.End()

	taskID, err := s.b.CreateExternalTask(ctx, topic, correlationID, processModelID, processInstanceID, flowNodeInstanceID, identity, p)
	if err != nil {
		return "", err
	}

	s.metrics.Counter(metrickeys.ExternalTaskCreated, metrics.Tags{metrickeys.Topic: topic}, 1)

	s.logger.DebugContext(ctx, "created external task",
		slog.String(log.TaskIDKey, taskID),
		slog.String(log.TopicKey, topic),
		slog.String(log.ProcessInstanceIDKey, processInstanceID),
	)

	return taskID, nil
}

func (s *Service) GetByID(ctx context.Context, identity core.Identity, taskID string) (*backend.ExternalTask, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return nil, err
	}

	return s.b.GetExternalTask(ctx, taskID)
}

func (s *Service) GetByInstance(
	ctx context.Context, identity core.Identity, correlationID, processInstanceID, flowNodeInstanceID string,
) (*backend.ExternalTask, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return nil, err
	}

	return s.b.GetExternalTaskByInstance(ctx, correlationID, processInstanceID, flowNodeInstanceID)
}

func (s *Service) FetchAvailable(ctx context.Context, identity core.Identity, topic string, max int) ([]*backend.ExternalTask, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return nil, err
	}

	return s.b.FetchAvailableExternalTasks(ctx, topic, max)
}

// Lock leases the task to the given worker until the given instant. A
// claimed task is invisible to FetchAvailable until the lease expires or the
// task finishes.
func (s *Service) Lock(ctx context.Context, identity core.Identity, workerID, taskID string, until time.Time) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "LockExternalTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
		attribute.String(log.WorkerIDKey, workerID),
	))
	defer span.End()

	if err := s.b.LockExternalTask(ctx, workerID, taskID, until); err != nil {
		return err
	}

	if task, err := s.b.GetExternalTask(ctx, taskID); err == nil {
		s.metrics.Counter(metrickeys.ExternalTaskClaimed, metrics.Tags{metrickeys.Topic: task.Topic}, 1)

		queued := s.b.Options().Clock.Now().UTC().Sub(task.CreatedAt)
		s.metrics.Distribution(metrickeys.ExternalTaskDelay, metrics.Tags{metrickeys.Topic: task.Topic}, float64(queued/time.Millisecond))
	}

	s.logger.DebugContext(ctx, "locked external task",
		slog.String(log.TaskIDKey, taskID),
		slog.String(log.WorkerIDKey, workerID),
	)

	return nil
}

func (s *Service) ExtendLock(ctx context.Context, identity core.Identity, workerID, taskID string, until time.Time) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return err
	}

	return s.b.ExtendExternalTaskLock(ctx, workerID, taskID, until)
}

func (s *Service) FinishWithSuccess(ctx context.Context, identity core.Identity, taskID string, result payload.Payload) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "FinishExternalTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
	))
	defer span.End()

	if err := s.b.FinishExternalTaskSuccess(ctx, taskID, result); err != nil {
		return err
	}

	s.metrics.Counter(metrickeys.ExternalTaskFinished, metrics.Tags{metrickeys.Result: "success"}, 1)

	s.logger.DebugContext(ctx, "finished external task",
		slog.String(log.TaskIDKey, taskID),
	)

	return nil
}

func (s *Service) FinishWithError(ctx context.Context, identity core.Identity, taskID string, taskErr *backend.Error) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.AccessExternalTasksClaim); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "FinishExternalTask", trace.WithAttributes(
		attribute.String(log.TaskIDKey, taskID),
	))
	defer span.End()

	if err := s.b.FinishExternalTaskError(ctx, taskID, taskErr); err != nil {
		return err
	}

	s.metrics.Counter(metrickeys.ExternalTaskFinished, metrics.Tags{metrickeys.Result: "error"}, 1)

	s.logger.DebugContext(ctx, "finished external task with error",
		slog.String(log.TaskIDKey, taskID),
		slog.String("error", taskErr.Message),
	)

	return nil
}

// DeleteByProcessModel removes all tasks of a process model. It is part of
// process model deletion and guarded by the corresponding claim.
func (s *Service) DeleteByProcessModel(ctx context.Context, identity core.Identity, processModelID string) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.DeleteProcessModelClaim); err != nil {
		return err
	}

	if err := s.b.DeleteExternalTasksByProcessModel(ctx, processModelID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "deleted external tasks",
		slog.String(log.ProcessModelIDKey, processModelID),
	)

	return nil
}

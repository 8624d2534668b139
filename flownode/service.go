// Package flownode tracks the execution history of individual workflow
// steps. All writes run through the lifecycle transitions, reads are exposed
// as the query combinations the engine asks for.
package flownode

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/metrics"
	"github.com/flowstate-io/flowstate/backend/payload"
	"github.com/flowstate-io/flowstate/internal/log"
	"github.com/flowstate-io/flowstate/internal/metrickeys"
)

type Service struct {
	b backend.Backend

	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
}

func NewService(b backend.Backend) *Service {
	options := b.Options()

	return &Service{
		b: b,

		logger:  options.Logger,
		metrics: options.Metrics,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
	}
}

func (s *Service) PersistOnEnter(ctx context.Context, instance *backend.FlowNodeInstance, token payload.Payload) (*backend.FlowNodeInstance, error) {
	ctx, span := s.tracer.Start(ctx, "PersistOnEnter", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instance.ID),
		attribute.String(log.FlowNodeIDKey, instance.FlowNodeID),
	))
	defer span.End()

	fi, err := s.b.PersistOnEnter(ctx, instance, token)
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, fi)

	return fi, nil
}

func (s *Service) PersistOnExit(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return s.transition(ctx, "PersistOnExit", instanceID, func(ctx context.Context) (*backend.FlowNodeInstance, error) {
		return s.b.PersistOnExit(ctx, instanceID, token)
	})
}

func (s *Service) PersistOnError(ctx context.Context, instanceID string, token payload.Payload, instanceErr *backend.Error) (*backend.FlowNodeInstance, error) {
	return s.transition(ctx, "PersistOnError", instanceID, func(ctx context.Context) (*backend.FlowNodeInstance, error) {
		return s.b.PersistOnError(ctx, instanceID, token, instanceErr)
	})
}

func (s *Service) PersistOnTerminate(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return s.transition(ctx, "PersistOnTerminate", instanceID, func(ctx context.Context) (*backend.FlowNodeInstance, error) {
		return s.b.PersistOnTerminate(ctx, instanceID, token)
	})
}

func (s *Service) Suspend(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return s.transition(ctx, "SuspendFlowNodeInstance", instanceID, func(ctx context.Context) (*backend.FlowNodeInstance, error) {
		return s.b.SuspendFlowNodeInstance(ctx, instanceID, token)
	})
}

func (s *Service) Resume(ctx context.Context, instanceID string, token payload.Payload) (*backend.FlowNodeInstance, error) {
	return s.transition(ctx, "ResumeFlowNodeInstance", instanceID, func(ctx context.Context) (*backend.FlowNodeInstance, error) {
		return s.b.ResumeFlowNodeInstance(ctx, instanceID, token)
	})
}

func (s *Service) transition(
	ctx context.Context,
	name, instanceID string,
	f func(ctx context.Context) (*backend.FlowNodeInstance, error),
) (*backend.FlowNodeInstance, error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	fi, err := f(ctx)
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, fi)

	return fi, nil
}

func (s *Service) recordTransition(ctx context.Context, fi *backend.FlowNodeInstance) {
	s.metrics.Counter(metrickeys.FlowNodeTransition, metrics.Tags{metrickeys.State: string(fi.State)}, 1)

	s.logger.DebugContext(ctx, "flow node instance transition",
		slog.String(log.InstanceIDKey, fi.ID),
		slog.String(log.FlowNodeIDKey, fi.FlowNodeID),
		slog.String(log.StateKey, string(fi.State)),
	)
}

func (s *Service) GetByInstanceID(ctx context.Context, instanceID string) (*backend.FlowNodeInstance, error) {
	return s.b.GetFlowNodeInstance(ctx, instanceID)
}

// QuerySpecificFlowNode returns the instances of one flow node within one
// process instance of a correlation.
func (s *Service) QuerySpecificFlowNode(ctx context.Context, correlationID, processModelID, flowNodeID string) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		CorrelationID:  correlationID,
		ProcessModelID: processModelID,
		FlowNodeID:     flowNodeID,
	}, 0, 0)
}

func (s *Service) QueryByFlowNodeID(ctx context.Context, flowNodeID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{FlowNodeID: flowNodeID}, offset, limit)
}

func (s *Service) QueryByCorrelation(ctx context.Context, correlationID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{CorrelationID: correlationID}, offset, limit)
}

func (s *Service) QueryByProcessModel(ctx context.Context, processModelID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{ProcessModelID: processModelID}, offset, limit)
}

func (s *Service) QueryByCorrelationAndProcessModel(ctx context.Context, correlationID, processModelID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		CorrelationID:  correlationID,
		ProcessModelID: processModelID,
	}, offset, limit)
}

func (s *Service) QueryByProcessInstance(ctx context.Context, processInstanceID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{ProcessInstanceID: processInstanceID}, offset, limit)
}

func (s *Service) QueryByProcessInstanceAndFlowNode(ctx context.Context, processInstanceID, flowNodeID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		ProcessInstanceID: processInstanceID,
		FlowNodeID:        flowNodeID,
	}, offset, limit)
}

func (s *Service) QueryByState(ctx context.Context, state backend.FlowNodeInstanceState, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		States: []backend.FlowNodeInstanceState{state},
	}, offset, limit)
}

// QueryActive returns the running and suspended instances, i.e. the working
// set an engine picks up again after a restart.
func (s *Service) QueryActive(ctx context.Context, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{States: backend.ActiveStates}, offset, limit)
}

func (s *Service) QueryActiveByProcessInstance(ctx context.Context, processInstanceID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		ProcessInstanceID: processInstanceID,
		States:            backend.ActiveStates,
	}, offset, limit)
}

func (s *Service) QueryActiveByCorrelationAndProcessModel(ctx context.Context, correlationID, processModelID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		CorrelationID:  correlationID,
		ProcessModelID: processModelID,
		States:         backend.ActiveStates,
	}, offset, limit)
}

func (s *Service) QuerySuspendedByCorrelation(ctx context.Context, correlationID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		CorrelationID: correlationID,
		States:        []backend.FlowNodeInstanceState{backend.FlowNodeInstanceStateSuspended},
	}, offset, limit)
}

func (s *Service) QuerySuspendedByProcessModel(ctx context.Context, processModelID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		ProcessModelID: processModelID,
		States:         []backend.FlowNodeInstanceState{backend.FlowNodeInstanceStateSuspended},
	}, offset, limit)
}

func (s *Service) QuerySuspendedByProcessInstance(ctx context.Context, processInstanceID string, offset, limit int) ([]*backend.FlowNodeInstance, error) {
	return s.b.QueryFlowNodeInstances(ctx, backend.FlowNodeInstanceFilter{
		ProcessInstanceID: processInstanceID,
		States:            []backend.FlowNodeInstanceState{backend.FlowNodeInstanceStateSuspended},
	}, offset, limit)
}

// QueryProcessTokensByProcessInstance returns all tokens recorded for a
// process instance, flattened across its flow node instances.
func (s *Service) QueryProcessTokensByProcessInstance(ctx context.Context, processInstanceID string, offset, limit int) ([]*backend.ProcessToken, error) {
	return s.b.GetProcessTokens(ctx, processInstanceID, offset, limit)
}

func (s *Service) DeleteByProcessModel(ctx context.Context, processModelID string) error {
	if err := s.b.DeleteFlowNodeInstancesByProcessModel(ctx, processModelID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "deleted flow node instances",
		slog.String(log.ProcessModelIDKey, processModelID),
	)

	return nil
}

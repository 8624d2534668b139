// Package correlation derives the aggregate view over process instances
// sharing a correlation id. Correlations are not stored, they are computed
// from the process instance records on every read.
package correlation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/metrics"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/iam"
	"github.com/flowstate-io/flowstate/internal/log"
	"github.com/flowstate-io/flowstate/internal/metrickeys"
)

// ErrCorrelationNotFound is returned when no visible process instance exists
// for the requested correlation.
var ErrCorrelationNotFound = errors.New("correlation not found")

type CorrelationState string

const (
	CorrelationStateRunning  CorrelationState = "running"
	CorrelationStateFinished CorrelationState = "finished"
	CorrelationStateError    CorrelationState = "error"
)

// ProcessInstance is a process instance record enriched with the definition
// it runs, resolved through the definition store.
type ProcessInstance struct {
	*backend.ProcessInstance

	ProcessModelName string
	ProcessModelXML  string
}

// Correlation is the aggregate over all process instances sharing one
// correlation id. Its state folds the instance states: running while any
// instance runs, error if none runs but one failed, finished otherwise.
type Correlation struct {
	ID    string
	State CorrelationState

	// Error is the first instance error, set only when State is error.
	Error *backend.Error

	// CreatedAt is the creation time of the oldest instance.
	CreatedAt time.Time

	ProcessInstances []*ProcessInstance
}

const definitionCacheTTL = 30 * time.Second

type Service struct {
	b    backend.Backend
	cc   iam.ClaimChecker
	defs DefinitionStore

	cache *ttlcache.Cache[string, *Definition]

	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
}

// NewService creates a correlation service. defs may be nil, correlations
// are then returned without definition names and XML.
func NewService(b backend.Backend, cc iam.ClaimChecker, defs DefinitionStore) *Service {
	options := b.Options()

	return &Service{
		b:    b,
		cc:   cc,
		defs: defs,

		cache: ttlcache.New[string, *Definition](
			ttlcache.WithTTL[string, *Definition](definitionCacheTTL),
		),

		logger:  options.Logger,
		metrics: options.Metrics,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
	}
}

// CreateEntry records a new process instance under a correlation. The
// instance starts in state running and is owned by the calling identity.
func (s *Service) CreateEntry(
	ctx context.Context,
	identity core.Identity,
	correlationID, processInstanceID, processModelID, processModelHash, parentProcessInstanceID string,
) error {
	ctx, span := s.tracer.Start(ctx, "CreateCorrelationEntry", trace.WithAttributes(
		attribute.String(log.CorrelationIDKey, correlationID),
		attribute.String(log.ProcessInstanceIDKey, processInstanceID),
	))
	defer span.End()

	if err := s.b.CreateProcessInstance(ctx, &backend.ProcessInstance{
		CorrelationID:           correlationID,
		ProcessInstanceID:       processInstanceID,
		ProcessModelID:          processModelID,
		ProcessModelHash:        processModelHash,
		ParentProcessInstanceID: parentProcessInstanceID,
		Owner:                   identity,
	}); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "created correlation entry",
		slog.String(log.CorrelationIDKey, correlationID),
		slog.String(log.ProcessInstanceIDKey, processInstanceID),
		slog.String(log.ProcessModelIDKey, processModelID),
	)

	return nil
}

func (s *Service) GetAll(ctx context.Context, identity core.Identity, offset, limit int) ([]*Correlation, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	instances, err := s.b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{}, 0, 0)
	if err != nil {
		return nil, err
	}

	correlations := s.mapCorrelations(ctx, filterVisible(ctx, s.cc, identity, instances))

	return paginate(correlations, offset, limit), nil
}

// GetActive returns the correlations that still have at least one running or
// suspended instance.
func (s *Service) GetActive(ctx context.Context, identity core.Identity, offset, limit int) ([]*Correlation, error) {
	correlations, err := s.GetAll(ctx, identity, 0, 0)
	if err != nil {
		return nil, err
	}

	active := make([]*Correlation, 0, len(correlations))
	for _, c := range correlations {
		if c.State == CorrelationStateRunning {
			active = append(active, c)
		}
	}

	return paginate(active, offset, limit), nil
}

func (s *Service) GetByProcessModel(ctx context.Context, identity core.Identity, processModelID string, offset, limit int) ([]*Correlation, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	instances, err := s.b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{ProcessModelID: processModelID}, 0, 0)
	if err != nil {
		return nil, err
	}

	correlations := s.mapCorrelations(ctx, filterVisible(ctx, s.cc, identity, instances))

	return paginate(correlations, offset, limit), nil
}

func (s *Service) GetByCorrelationID(ctx context.Context, identity core.Identity, correlationID string) (*Correlation, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	instances, err := s.b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{CorrelationID: correlationID}, 0, 0)
	if err != nil {
		return nil, err
	}

	visible := filterVisible(ctx, s.cc, identity, instances)
	if len(visible) == 0 {
		// Hidden and missing correlations are indistinguishable to the
		// caller.
		return nil, ErrCorrelationNotFound
	}

	return s.mapCorrelation(ctx, correlationID, visible), nil
}

func (s *Service) GetByProcessInstanceID(ctx context.Context, identity core.Identity, processInstanceID string) (*ProcessInstance, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	pi, err := s.b.GetProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	if len(filterVisible(ctx, s.cc, identity, []*backend.ProcessInstance{pi})) == 0 {
		return nil, backend.ErrProcessInstanceNotFound
	}

	return s.enrich(ctx, pi), nil
}

// GetSubprocessesForProcessInstance returns the correlation formed by the
// direct child instances of the given process instance, or
// ErrCorrelationNotFound if it has none visible.
func (s *Service) GetSubprocessesForProcessInstance(ctx context.Context, identity core.Identity, processInstanceID string) (*Correlation, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	instances, err := s.b.QueryProcessInstances(ctx, backend.ProcessInstanceFilter{ParentProcessInstanceID: processInstanceID}, 0, 0)
	if err != nil {
		return nil, err
	}

	visible := filterVisible(ctx, s.cc, identity, instances)
	if len(visible) == 0 {
		return nil, ErrCorrelationNotFound
	}

	return s.mapCorrelation(ctx, visible[0].CorrelationID, visible), nil
}

func (s *Service) GetProcessInstancesForCorrelation(
	ctx context.Context, identity core.Identity, correlationID string, offset, limit int,
) ([]*ProcessInstance, error) {
	return s.getProcessInstances(ctx, identity, backend.ProcessInstanceFilter{CorrelationID: correlationID}, offset, limit)
}

func (s *Service) GetProcessInstancesForProcessModel(
	ctx context.Context, identity core.Identity, processModelID string, offset, limit int,
) ([]*ProcessInstance, error) {
	return s.getProcessInstances(ctx, identity, backend.ProcessInstanceFilter{ProcessModelID: processModelID}, offset, limit)
}

func (s *Service) GetProcessInstancesByState(
	ctx context.Context, identity core.Identity, state backend.ProcessInstanceState, offset, limit int,
) ([]*ProcessInstance, error) {
	return s.getProcessInstances(ctx, identity, backend.ProcessInstanceFilter{
		States: []backend.ProcessInstanceState{state},
	}, offset, limit)
}

func (s *Service) getProcessInstances(
	ctx context.Context, identity core.Identity, filter backend.ProcessInstanceFilter, offset, limit int,
) ([]*ProcessInstance, error) {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return nil, err
	}

	instances, err := s.b.QueryProcessInstances(ctx, filter, 0, 0)
	if err != nil {
		return nil, err
	}

	visible := filterVisible(ctx, s.cc, identity, instances)

	enriched := make([]*ProcessInstance, 0, len(visible))
	for _, pi := range visible {
		enriched = append(enriched, s.enrich(ctx, pi))
	}

	return paginate(enriched, offset, limit), nil
}

func (s *Service) FinishProcessInstance(ctx context.Context, identity core.Identity, correlationID, processInstanceID string) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return err
	}

	if err := s.b.FinishProcessInstance(ctx, correlationID, processInstanceID); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "finished process instance",
		slog.String(log.CorrelationIDKey, correlationID),
		slog.String(log.ProcessInstanceIDKey, processInstanceID),
	)

	return nil
}

func (s *Service) FinishProcessInstanceWithError(
	ctx context.Context, identity core.Identity, correlationID, processInstanceID string, instanceErr *backend.Error,
) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return err
	}

	if err := s.b.FinishProcessInstanceWithError(ctx, correlationID, processInstanceID, instanceErr); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "process instance finished with error",
		slog.String(log.CorrelationIDKey, correlationID),
		slog.String(log.ProcessInstanceIDKey, processInstanceID),
		slog.String("error", instanceErr.Message),
	)

	return nil
}

// TerminateProcessInstance finishes a running instance on behalf of a user
// and records who did it.
func (s *Service) TerminateProcessInstance(ctx context.Context, identity core.Identity, correlationID, processInstanceID string) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.ReadProcessModelClaim); err != nil {
		return err
	}

	if err := s.b.TerminateProcessInstance(ctx, correlationID, processInstanceID, identity); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "terminated process instance",
		slog.String(log.CorrelationIDKey, correlationID),
		slog.String(log.ProcessInstanceIDKey, processInstanceID),
	)

	return nil
}

func (s *Service) DeleteByProcessModel(ctx context.Context, identity core.Identity, processModelID string) error {
	if err := iam.EnsureHasClaim(ctx, s.cc, identity, iam.DeleteProcessModelClaim); err != nil {
		return err
	}

	if err := s.b.DeleteProcessInstancesByProcessModel(ctx, processModelID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "deleted process instances",
		slog.String(log.ProcessModelIDKey, processModelID),
	)

	return nil
}

// filterVisible drops the instances the identity may not see. Super admins
// see everything, everybody sees records owned by the anonymous or the
// engine-internal identity, owners see their own.
func filterVisible(ctx context.Context, cc iam.ClaimChecker, identity core.Identity, instances []*backend.ProcessInstance) []*backend.ProcessInstance {
	if iam.IsSuperAdmin(ctx, cc, identity) {
		return instances
	}

	visible := make([]*backend.ProcessInstance, 0, len(instances))
	for _, pi := range instances {
		if pi.Owner.UserID == identity.UserID || pi.Owner.Anonymous() || pi.Owner.Internal() {
			visible = append(visible, pi)
		}
	}

	return visible
}

func (s *Service) mapCorrelations(ctx context.Context, instances []*backend.ProcessInstance) []*Correlation {
	groups := map[string][]*backend.ProcessInstance{}
	var order []string
	for _, pi := range instances {
		if _, ok := groups[pi.CorrelationID]; !ok {
			order = append(order, pi.CorrelationID)
		}
		groups[pi.CorrelationID] = append(groups[pi.CorrelationID], pi)
	}

	correlations := make([]*Correlation, 0, len(order))
	for _, id := range order {
		correlations = append(correlations, s.mapCorrelation(ctx, id, groups[id]))
	}

	sort.SliceStable(correlations, func(i, j int) bool {
		return correlations[i].CreatedAt.Before(correlations[j].CreatedAt)
	})

	return correlations
}

func (s *Service) mapCorrelation(ctx context.Context, correlationID string, instances []*backend.ProcessInstance) *Correlation {
	c := &Correlation{
		ID:    correlationID,
		State: CorrelationStateFinished,
	}

	running := false
	var firstErr *backend.Error

	for _, pi := range instances {
		if c.CreatedAt.IsZero() || pi.CreatedAt.Before(c.CreatedAt) {
			c.CreatedAt = pi.CreatedAt
		}

		switch pi.State {
		case backend.ProcessInstanceStateRunning:
			running = true
		case backend.ProcessInstanceStateError:
			if firstErr == nil {
				firstErr = pi.Error
				if firstErr == nil {
					firstErr = &backend.Error{Message: "process instance finished with error"}
				}
			}
		}

		c.ProcessInstances = append(c.ProcessInstances, s.enrich(ctx, pi))
	}

	// A single failed instance does not mark the correlation as failed while
	// others are still making progress.
	if running {
		c.State = CorrelationStateRunning
	} else if firstErr != nil {
		c.State = CorrelationStateError
		c.Error = firstErr
	}

	return c
}

func (s *Service) enrich(ctx context.Context, pi *backend.ProcessInstance) *ProcessInstance {
	enriched := &ProcessInstance{ProcessInstance: pi}

	if s.defs == nil || pi.ProcessModelHash == "" {
		return enriched
	}

	if item := s.cache.Get(pi.ProcessModelHash); item != nil {
		s.metrics.Counter(metrickeys.DefinitionCacheHit, nil, 1)

		def := item.Value()
		enriched.ProcessModelName = def.Name
		enriched.ProcessModelXML = def.XML

		return enriched
	}

	s.metrics.Counter(metrickeys.DefinitionCacheMiss, nil, 1)

	def, err := s.defs.GetByHash(ctx, pi.ProcessModelHash)
	if err != nil {
		s.logger.WarnContext(ctx, "could not resolve process definition",
			slog.String(log.ProcessInstanceIDKey, pi.ProcessInstanceID),
			slog.String("hash", pi.ProcessModelHash),
			slog.String("error", err.Error()),
		)

		return enriched
	}

	s.cache.Set(pi.ProcessModelHash, def, ttlcache.DefaultTTL)

	enriched.ProcessModelName = def.Name
	enriched.ProcessModelXML = def.XML

	return enriched
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}

	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}

// Package worker implements an external task worker: it polls topics for
// available tasks, claims them with a time-bounded lease, keeps the lease
// alive while a handler runs and reports the handler's outcome back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/flowstate-io/flowstate/backend"
	"github.com/flowstate-io/flowstate/backend/metrics"
	"github.com/flowstate-io/flowstate/core"
	"github.com/flowstate-io/flowstate/externaltask"
	"github.com/flowstate-io/flowstate/internal/log"
	"github.com/flowstate-io/flowstate/internal/metrickeys"
	im "github.com/flowstate-io/flowstate/internal/metrics"
)

// Handler processes one claimed task. The returned value is serialized with
// the backend's converter and stored as the task result. A returned error
// finishes the task with that error instead.
type Handler func(ctx context.Context, task *backend.ExternalTask) (any, error)

type Worker struct {
	svc      *externaltask.Service
	identity core.Identity

	handlers map[string]Handler

	options *Options

	workerID     string
	lockDuration time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client

	taskQueue chan *backend.ExternalTask

	pollersWg sync.WaitGroup

	dispatcherDone chan struct{}
}

// New creates a worker acting as the given identity. Handlers are registered
// per topic before Start is called.
func New(svc *externaltask.Service, identity core.Identity, options *Options) *Worker {
	if options == nil {
		options = &DefaultOptions
	}

	backendOptions := svc.Options()

	workerID := options.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	lockDuration := options.LockDuration
	if lockDuration == 0 {
		lockDuration = backendOptions.LockTimeout
	}

	return &Worker{
		svc:      svc,
		identity: identity,

		handlers: map[string]Handler{},

		options: options,

		workerID:     workerID,
		lockDuration: lockDuration,

		clock:   backendOptions.Clock,
		logger:  backendOptions.Logger.With(slog.String(log.WorkerIDKey, workerID)),
		metrics: backendOptions.Metrics,

		taskQueue:      make(chan *backend.ExternalTask),
		dispatcherDone: make(chan struct{}, 1),
	}
}

// RegisterHandler subscribes the worker to a topic. Must be called before
// Start.
func (w *Worker) RegisterHandler(topic string, handler Handler) {
	w.handlers[topic] = handler
}

// Start starts polling. To stop the worker, cancel the context passed to
// Start and call WaitForCompletion to wait for in-flight tasks.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	pollers := w.options.Pollers
	if pollers <= 0 {
		pollers = DefaultOptions.Pollers
	}

	for topic := range w.handlers {
		w.pollersWg.Add(pollers)

		for i := 0; i < pollers; i++ {
			go w.poller(ctx, topic)
		}
	}

	go w.dispatcher()

	return nil
}

// WaitForCompletion blocks until all pollers have stopped and all claimed
// tasks have been handed back.
func (w *Worker) WaitForCompletion() error {
	w.pollersWg.Wait()

	close(w.taskQueue)
	<-w.dispatcherDone

	return nil
}

func (w *Worker) poller(ctx context.Context, topic string) {
	defer w.pollersWg.Done()

	pollingInterval := w.options.PollingInterval
	if pollingInterval <= 0 {
		pollingInterval = DefaultOptions.PollingInterval
	}

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		tasks, err := w.poll(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			wait := retry.NextBackOff()
			w.logger.ErrorContext(ctx, "error polling tasks",
				slog.String(log.TopicKey, topic),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)

			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		retry.Reset()

		claimed := false
		for _, task := range tasks {
			until := w.clock.Now().Add(w.lockDuration)
			err := w.svc.Lock(ctx, w.identity, w.workerID, task.ID, until)
			if err == backend.ErrTaskNotClaimable || err == backend.ErrTaskNotFound {
				// Another worker got there first.
				continue
			} else if err != nil {
				if ctx.Err() != nil {
					return
				}

				w.logger.ErrorContext(ctx, "error claiming task",
					slog.String(log.TaskIDKey, task.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			claimed = true

			select {
			case w.taskQueue <- task:
			case <-ctx.Done():
				return
			}
		}

		if claimed {
			// Check for more work right away.
			continue
		}

		select {
		case <-time.After(pollingInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) poll(ctx context.Context, topic string) ([]*backend.ExternalTask, error) {
	max := w.options.MaxTasksPerPoll
	if max <= 0 {
		max = DefaultOptions.MaxTasksPerPoll
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return w.svc.FetchAvailable(ctx, w.identity, topic, max)
}

func (w *Worker) dispatcher() {
	var sem chan struct{}
	if w.options.MaxParallelTasks > 0 {
		sem = make(chan struct{}, w.options.MaxParallelTasks)
	}

	var wg sync.WaitGroup

	for task := range w.taskQueue {
		if sem != nil {
			sem <- struct{}{}
		}

		wg.Add(1)

		task := task
		go func() {
			defer wg.Done()

			// Let claimed tasks finish even when the poll context is
			// canceled.
			w.handle(context.Background(), task)

			if sem != nil {
				<-sem
			}
		}()
	}

	wg.Wait()

	w.dispatcherDone <- struct{}{}
}

func (w *Worker) handle(ctx context.Context, task *backend.ExternalTask) {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.heartbeat(heartbeatCtx, task)

	timer := im.NewTimer(w.metrics, metrickeys.WorkerTaskDuration, metrics.Tags{metrickeys.Topic: task.Topic})
	defer timer.Stop()

	handler := w.handlers[task.Topic]

	result, handlerErr := handler(ctx, task)
	if handlerErr != nil {
		w.metrics.Counter(metrickeys.WorkerTaskProcessed, metrics.Tags{metrickeys.Topic: task.Topic, metrickeys.Result: "error"}, 1)

		if err := w.svc.FinishWithError(ctx, w.identity, task.ID, backend.NewError(handlerErr)); err != nil {
			w.logger.ErrorContext(ctx, "could not finish task with error",
				slog.String(log.TaskIDKey, task.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	p, err := w.svc.Options().Converter.To(result)
	if err != nil {
		w.logger.ErrorContext(ctx, "could not serialize task result",
			slog.String(log.TaskIDKey, task.ID),
			slog.String("error", err.Error()),
		)

		if err := w.svc.FinishWithError(ctx, w.identity, task.ID, backend.NewError(err)); err != nil {
			w.logger.ErrorContext(ctx, "could not finish task with error",
				slog.String(log.TaskIDKey, task.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	w.metrics.Counter(metrickeys.WorkerTaskProcessed, metrics.Tags{metrickeys.Topic: task.Topic, metrickeys.Result: "success"}, 1)

	if err := w.svc.FinishWithSuccess(ctx, w.identity, task.ID, p); err != nil {
		w.logger.ErrorContext(ctx, "could not finish task",
			slog.String(log.TaskIDKey, task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) heartbeat(ctx context.Context, task *backend.ExternalTask) {
	interval := w.options.HeartbeatInterval
	if interval <= 0 {
		interval = w.lockDuration / 2
	}
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			until := w.clock.Now().Add(w.lockDuration)
			if err := w.svc.ExtendLock(ctx, w.identity, w.workerID, task.ID, until); err != nil {
				if ctx.Err() != nil {
					return
				}

				w.logger.ErrorContext(ctx, "could not extend task lease",
					slog.String(log.TaskIDKey, task.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "ATLASPROBE_RUNS"
	// SubjectName is the subject for run messages
	SubjectName = "atlasprobe.runs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "atlasprobe-worker"

	fetchRetryDelay = time.Second
)

// RunProcessor executes one run and reports progress as a percentage
type RunProcessor interface {
	Process(ctx context.Context, run *Run, progress func(int, string)) (*scenario.Report, error)
}

// publisher is the part of jetstream.JetStream the manager publishes through
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Manager manages the run queue
type Manager struct {
	js       publisher
	store    *Store
	events   *EventHub
	consumer jetstream.Consumer
	log      logrus.FieldLogger

	mu        sync.Mutex
	isRunning bool
	running   map[string]context.CancelFunc
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	retryDelay time.Duration
}

// NewManager creates a queue manager backed by a JetStream work queue
func NewManager(js jetstream.JetStream, log logrus.FieldLogger) (*Manager, error) {
	m := newManager(js, log)

	if err := m.setupStream(js); err != nil {
		m.cancel()
		m.store.Stop()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return m, nil
}

func newManager(js publisher, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		js:      js,
		store:   NewStore(log),
		events:  NewEventHub(),
		log:     log,
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),

		retryDelay: fetchRetryDelay,
	}
}

// setupStream creates or updates the JetStream stream and its consumer
func (m *Manager) setupStream(js jetstream.JetStream) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "atlasprobe scenario runs",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	// MaxDeliver 1: a failed run is reported, not retried
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		AckWait:       MaxRunTimeout + time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// Start starts processing runs from the queue, one at a time
func (m *Manager) Start(processor RunProcessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if m.consumer == nil {
		return errors.New("queue has no consumer")
	}
	m.isRunning = true

	m.log.Info("Starting run queue worker...")

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.ctx.Done():
				return
			default:
			}

			msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				m.log.WithError(err).Debug("Fetch failed, retrying")
				select {
				case <-m.ctx.Done():
					return
				case <-time.After(m.retryDelay):
				}
				continue
			}

			for msg := range msgs.Messages() {
				m.processMessage(msg, processor)
			}
		}
	}()

	return nil
}

// Stop stops the worker, cancels the run in flight and waits for the worker to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.isRunning
	m.isRunning = false
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	m.cancel()
	if wasRunning {
		<-m.done
	}
	m.store.Stop()
	m.events.Close()
	m.log.Info("Run queue worker stopped")
}

// Enqueue saves run and publishes it to the queue
func (m *Manager) Enqueue(ctx context.Context, run *Run) error {
	if err := m.store.Save(run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return m.publish(ctx, run)
}

// publish sends a stored run to the stream, dropping it from the store on failure
func (m *Manager) publish(ctx context.Context, run *Run) error {
	data, err := run.ToJSON()
	if err != nil {
		m.store.Delete(run.ID)
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.js.Publish(pubCtx, SubjectName, data); err != nil {
		m.store.Delete(run.ID)
		return fmt.Errorf("failed to publish run: %w", err)
	}

	m.events.Emit(newEvent(run, "Run queued"))
	m.log.WithFields(logrus.Fields{"run_id": run.ID, "scenario": run.ScenarioName()}).Info("Run queued")

	return nil
}

// EnqueueWithIdempotency returns the live run for run's idempotency key if
// there is one, otherwise enqueues run. The bool reports a duplicate.
func (m *Manager) EnqueueWithIdempotency(ctx context.Context, run *Run) (*Run, bool, error) {
	if existing, dup := m.store.SaveIfAbsent(run); dup {
		return existing, true, nil
	}

	if err := m.publish(ctx, run); err != nil {
		return nil, false, err
	}

	return run, false, nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(runID string) (*Run, error) {
	return m.store.Get(runID)
}

// ListRuns returns the live runs, newest first
func (m *Manager) ListRuns() []*Run {
	return m.store.List()
}

// UpdateRun stores run and emits an event
func (m *Manager) UpdateRun(run *Run) error {
	if err := m.store.Update(run); err != nil {
		return err
	}

	m.events.Emit(newEvent(run, ""))
	return nil
}

// CancelRun cancels a queued or running run
func (m *Manager) CancelRun(runID string) (*Run, error) {
	run, err := m.store.Get(runID)
	if err != nil {
		return nil, err
	}

	if run.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot cancel run with status %s", ErrRunFinished, run.Status)
	}

	run.SetStatus(RunStatusCanceled)
	run.Message = "Run canceled"
	if err := m.store.Update(run); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cancel, ok := m.running[runID]; ok {
		cancel()
	}
	m.mu.Unlock()

	m.events.Emit(newEvent(run, "Run canceled"))
	m.log.WithField("run_id", runID).Info("Run canceled")

	return run, nil
}

// Subscribe subscribes to run events
func (m *Manager) Subscribe(runID string) <-chan Event {
	return m.events.Subscribe(runID)
}

// Unsubscribe unsubscribes from run events
func (m *Manager) Unsubscribe(runID string, ch <-chan Event) {
	m.events.Unsubscribe(runID, ch)
}

// Store returns the run store
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) processMessage(msg jetstream.Msg, processor RunProcessor) {
	if err := m.handle(msg.Data(), processor); err != nil {
		m.log.WithError(err).Warn("Dropping run message")
		if termErr := msg.Term(); termErr != nil {
			m.log.WithError(termErr).Warn("Failed to terminate message")
		}
		return
	}
	if err := msg.Ack(); err != nil {
		m.log.WithError(err).Warn("Failed to ack message")
	}
}

// handle executes one queued run. It returns an error only for messages
// that can never be processed.
func (m *Manager) handle(data []byte, processor RunProcessor) error {
	queued, err := FromJSON(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal run: %w", err)
	}

	run, err := m.store.Get(queued.ID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	log := m.log.WithFields(logrus.Fields{"run_id": run.ID, "scenario": run.ScenarioName()})

	ctx, cancel := context.WithTimeout(m.ctx, run.GetTimeoutDuration())
	defer cancel()

	m.mu.Lock()
	m.running[run.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, run.ID)
		m.mu.Unlock()
	}()

	run.SetStatus(RunStatusRunning)
	run.SetProgress(0, "Run started")
	if err := m.UpdateRun(run); err != nil {
		// canceled between publish and pickup
		return nil
	}

	log.Info("Run started")

	report, procErr := processor.Process(ctx, run, func(progress int, message string) {
		run.SetProgress(progress, message)
		if err := m.UpdateRun(run); err != nil {
			log.WithError(err).Debug("Progress not recorded")
		}
	})

	switch {
	case procErr != nil && errors.Is(ctx.Err(), context.Canceled):
		// canceled by CancelRun or shutdown
		run.Error = procErr.Error()
		run.Report = report
		run.SetStatus(RunStatusCanceled)
		log.Info("Run canceled while running")
	case procErr != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			procErr = fmt.Errorf("run timed out after %s: %w", run.GetTimeoutDuration(), procErr)
		}
		run.SetError(procErr.Error(), report)
		log.WithError(procErr).Warn("Run failed")
	default:
		run.SetResult(report)
		log.Info("Run succeeded")
	}

	if err := m.UpdateRun(run); err != nil && !errors.Is(err, ErrRunFinished) {
		log.WithError(err).Warn("Failed to store run outcome")
	}

	return nil
}

// Package orchestrator runs one coordination container plus N isolated eval
// instances against a container engine, capped at a configurable number of
// parallel instances, with per-instance log capture and escalating
// signal-driven cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"furnace/internal/config"
	"furnace/internal/observability"
	"furnace/internal/runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrFatal marks errors that abort the whole orchestration rather than a
// single instance. Network provisioning failures are fatal: the engine
// cannot safely proceed without its namespace guarantees.
var ErrFatal = errors.New("orchestration cannot continue")

const (
	defaultPollInterval = time.Second
	defaultDrainTimeout = 5 * time.Second
)

// SchedulerConfig tunes loop timing and identity; zero values get defaults.
type SchedulerConfig struct {
	// PollInterval is the liveness polling tick of the main loop.
	PollInterval time.Duration
	// DrainTimeout bounds the wait for an instance's log followers during
	// finalization, before its network is torn down.
	DrainTimeout time.Duration
	// RunID labels every created resource, for post-hoc identification.
	RunID string
}

// Scheduler owns the pending queue and the active set. It is the sole
// writer of both: all state mutation happens on the goroutine running Run.
// The only concurrent work are the log followers, which never touch
// orchestration state.
type Scheduler struct {
	client     runtime.Client
	spec       *config.Spec
	interrupts *InterruptController
	metrics    *observability.Metrics
	log        *slog.Logger
	cfg        SchedulerConfig

	networks   *NetworkManager
	containers *ContainerManager
	logs       *LogAggregator
	tracer     trace.Tracer

	coordNet runtime.Network
	coordCtr runtime.Container

	// pending holds instance indices not yet started, in admission order.
	pending []int
	// active maps instance index to its running instance; len(active) never
	// exceeds spec.ParallelEvals.
	active map[int]*Instance

	// handledLevel is the highest interrupt level already acted upon.
	handledLevel int
}

// NewScheduler wires a scheduler for the given spec. The spec must already
// be validated.
func NewScheduler(client runtime.Client, spec *config.Spec, interrupts *InterruptController, metrics *observability.Metrics, log *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	labels := map[string]string{
		"furnace.managed":    "true",
		"furnace.experiment": spec.ExperimentName,
	}
	if cfg.RunID != "" {
		labels["furnace.run_id"] = cfg.RunID
	}

	return &Scheduler{
		client:     client,
		spec:       spec,
		interrupts: interrupts,
		metrics:    metrics,
		log:        log,
		cfg:        cfg,
		networks:   NewNetworkManager(client, labels, log),
		containers: NewContainerManager(client, labels, log),
		logs:       NewLogAggregator(client, log),
		tracer:     otel.Tracer("furnace/orchestrator"),
		active:     make(map[int]*Instance),
	}
}

// Run provisions the coordinator, then admits, polls, and finalizes eval
// instances until the pending queue and the active set are both empty.
// Coordinator resources are left in place; callers decide their fate via
// TeardownCoordinator.
func (s *Scheduler) Run(ctx context.Context) error {
	exp := s.spec.ExperimentName

	coordNet, err := s.networks.Ensure(ctx, coordNetworkName(exp))
	if err != nil {
		return fmt.Errorf("%w: coordinator network: %v", ErrFatal, err)
	}
	s.coordNet = coordNet

	coordCtr, err := s.containers.Ensure(ctx, coordContainerName(exp), s.spec.Coord, coordNet)
	if err != nil {
		return fmt.Errorf("%w: coordinator container: %v", ErrFatal, err)
	}
	s.coordCtr = coordCtr

	s.pending = make([]int, 0, s.spec.EvalCount)
	for i := 1; i <= s.spec.EvalCount; i++ {
		s.pending = append(s.pending, i)
	}

	s.log.Info("starting evals",
		"experiment", exp,
		"total", s.spec.EvalCount,
		"parallel", s.spec.ParallelEvals)

	// A signal during coordinator provisioning must be honored before the
	// first admission.
	s.applyInterrupts(ctx)
	if err := s.admit(ctx); err != nil {
		return err
	}

	for len(s.active) > 0 || len(s.pending) > 0 {
		select {
		case <-ctx.Done():
			s.stopActive(ctx)
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}

		s.applyInterrupts(ctx)
		s.pollActive(ctx)
		if err := s.admit(ctx); err != nil {
			return err
		}
	}

	s.log.Info("all eval instances complete", "experiment", exp)
	return nil
}

// TeardownCoordinator stops and removes the coordination container and its
// network. Resources that are already gone are not errors.
func (s *Scheduler) TeardownCoordinator(ctx context.Context) error {
	var errs []error
	if s.coordCtr.ID != "" {
		if err := s.client.StopContainer(ctx, s.coordCtr); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("stopping coordinator: %w", err))
		}
		if err := s.client.RemoveContainer(ctx, s.coordCtr, true); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("removing coordinator: %w", err))
		}
	}
	if s.coordNet.ID != "" || s.coordNet.Name != "" {
		if err := s.networks.Remove(ctx, s.coordNet); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyInterrupts acts on interrupt levels not yet handled. Level
// transitions are idempotent: each is applied exactly once regardless of
// how many further signals arrive.
func (s *Scheduler) applyInterrupts(ctx context.Context) {
	level := s.interrupts.Level()
	if level >= LevelDrain && s.handledLevel < LevelDrain {
		s.log.Info("cancellation: dropping pending evals", "dropped", len(s.pending))
		s.pending = nil
		s.handledLevel = LevelDrain
	}
	if level >= LevelStop && s.handledLevel < LevelStop {
		s.stopActive(ctx)
		s.handledLevel = LevelStop
	}
}

// admit pops and starts pending instances while free slots remain and the
// interrupt level permits new work. A failed start abandons that instance
// only; the rest of the batch proceeds. Fatal errors abort the run.
func (s *Scheduler) admit(ctx context.Context) error {
	for len(s.pending) > 0 && len(s.active) < s.spec.ParallelEvals && s.interrupts.Level() < LevelStop {
		i := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.startInstance(ctx, i); err != nil {
			if errors.Is(err, ErrFatal) {
				return err
			}
			s.log.Error("eval abandoned", "instance", i, "error", err)
			s.metrics.InstanceFailed(ctx, i)
		}
	}
	return nil
}

// startInstance provisions everything instance i owns: its network, its log
// file, its service containers, and its driver, in that order.
func (s *Scheduler) startInstance(ctx context.Context, i int) error {
	exp := s.spec.ExperimentName
	inst := &Instance{Index: i, State: StateStarting}

	net, err := s.networks.Ensure(ctx, instanceNetworkName(exp, i))
	if err != nil {
		return fmt.Errorf("%w: eval %d network: %v", ErrFatal, i, err)
	}
	inst.Network = net

	inst.LogPath = instanceLogPath(s.spec.LogDir, exp, i)
	if err := s.logs.Prepare(inst.LogPath); err != nil {
		s.abandonInstance(ctx, inst)
		return fmt.Errorf("eval %d: %w", i, err)
	}

	followCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	inst.stopFollowers = stop

	for _, svc := range s.spec.Tests {
		for j := 1; j <= svc.Count; j++ {
			name := serviceContainerName(exp, i, svc.Name, j)
			ctr, err := s.containers.Ensure(ctx, name, svc.ContainerSpec, net)
			if err != nil {
				s.abandonInstance(ctx, inst)
				return fmt.Errorf("eval %d: provisioning service %q: %w", i, name, err)
			}
			inst.Services = append(inst.Services, ctr)
			s.logs.Follow(followCtx, ctr, inst.LogPath, &inst.followers)
		}
	}

	driver, err := s.containers.Ensure(ctx, driverContainerName(exp, i), s.spec.Eval, net)
	if err != nil {
		s.abandonInstance(ctx, inst)
		return fmt.Errorf("eval %d: provisioning driver: %w", i, err)
	}
	inst.Driver = driver

	// Give the driver a leg on the coordinator's network as well; the
	// instance still runs without it.
	s.containers.ConnectExtra(ctx, driver, s.coordNet)
	s.logs.Follow(followCtx, driver, inst.LogPath, &inst.followers)

	inst.State = StateRunning
	inst.StartedAt = time.Now()
	_, inst.span = s.tracer.Start(ctx, "eval_instance",
		trace.WithAttributes(
			attribute.Int("instance", i),
			attribute.String("experiment", exp),
		))

	s.active[i] = inst
	s.metrics.InstanceStarted(ctx, i)
	s.log.Info("launched eval", "instance", i, "log", inst.LogPath)
	return nil
}

// pollActive refreshes every active driver's status and finalizes instances
// whose driver is no longer running. A refresh failure counts as "no longer
// running" so the loop never stalls on an unreachable engine.
func (s *Scheduler) pollActive(ctx context.Context) {
	for _, i := range s.activeIndices() {
		inst := s.active[i]
		status, err := s.client.ContainerStatus(ctx, inst.Driver)
		if err != nil {
			s.log.Warn("status refresh failed, treating eval as finished", "instance", i, "error", err)
		}
		if err != nil || status != runtime.StatusRunning {
			s.finalize(ctx, inst)
		}
	}
}

// finalize reclaims all of a finished instance's resources and removes it
// from the active set.
func (s *Scheduler) finalize(ctx context.Context, inst *Instance) {
	duration := time.Since(inst.StartedAt)
	s.log.Info("eval finished", "instance", inst.Index, "duration", duration.Round(time.Second))

	s.teardownInstance(ctx, inst)
	inst.State = StateFinished
	inst.endSpan()
	delete(s.active, inst.Index)
	s.metrics.InstanceFinished(ctx, inst.Index)
}

// stopActive force-stops and reclaims every active instance (second
// interrupt level, or context cancellation).
func (s *Scheduler) stopActive(ctx context.Context) {
	for _, i := range s.activeIndices() {
		inst := s.active[i]
		if err := s.client.StopContainer(ctx, inst.Driver); err != nil && !runtime.IsNotFound(err) {
			s.log.Error("stopping eval driver failed", "instance", i, "error", err)
		}
		s.teardownInstance(ctx, inst)
		inst.State = StateCancelled
		inst.endSpan()
		delete(s.active, i)
		s.metrics.InstanceCancelled(ctx, i)
		s.log.Info("stopped and removed running eval", "instance", i)
	}
}

// teardownInstance removes the instance's containers, waits for its log
// followers to drain, then removes its network. Missing resources are the
// expected steady state on this path, not errors.
func (s *Scheduler) teardownInstance(ctx context.Context, inst *Instance) {
	for _, svc := range inst.Services {
		if err := s.client.RemoveContainer(ctx, svc, true); err != nil && !runtime.IsNotFound(err) {
			s.log.Error("removing service container failed", "container", svc.Name, "error", err)
		}
	}
	if inst.Driver.ID != "" {
		if err := s.client.RemoveContainer(ctx, inst.Driver, true); err != nil && !runtime.IsNotFound(err) {
			s.log.Error("removing driver container failed", "container", inst.Driver.Name, "error", err)
		}
	}

	// Drain before network teardown so followers don't race a vanishing
	// network with reads still in flight.
	if !inst.drainFollowers(s.cfg.DrainTimeout) {
		s.log.Warn("log followers still running after drain timeout", "instance", inst.Index)
	}

	if inst.Network.ID != "" || inst.Network.Name != "" {
		if err := s.networks.Remove(ctx, inst.Network); err != nil {
			s.log.Error("removing instance network failed", "instance", inst.Index, "error", err)
		}
	}
}

// abandonInstance reclaims whatever a partially provisioned instance
// managed to create. The instance is never retried.
func (s *Scheduler) abandonInstance(ctx context.Context, inst *Instance) {
	s.teardownInstance(ctx, inst)
}

func (s *Scheduler) activeIndices() []int {
	indices := make([]int, 0, len(s.active))
	for i := range s.active {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

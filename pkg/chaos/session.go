package chaos

import (
	"context"
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/netchaos/netchaos/pkg/chaos/backend"
	"github.com/netchaos/netchaos/pkg/chaos/cleanup"
	"github.com/netchaos/netchaos/pkg/chaos/metrics"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

// Targets accepted by Config.Target.
const (
	TargetKubernetes = "kubernetes"
	TargetDocker     = "docker"
)

// Config selects the backend and its connection details for one run.
type Config struct {
	Target     string
	DryRun     bool
	MetricsURL string
	Namespace  string
	Kubeconfig string
}

// Session owns everything a run needs: the backend, the reversal
// scheduler, and the metric source. Close sweeps all outstanding
// reversals, so a session must be closed even when the run fails.
type Session struct {
	engine    *Engine
	scheduler *cleanup.Scheduler
	backend   backend.Backend
}

// NewSession builds a session from configuration. Setup failures,
// unlike runtime statement failures, are fatal.
func NewSession(cfg Config) (*Session, error) {
	source, err := metrics.NewPrometheus(cfg.MetricsURL)
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}

	scheduler := cleanup.NewScheduler()
	b, err := newBackend(cfg, scheduler)
	if err != nil {
		scheduler.Close()
		return nil, err
	}

	return &Session{
		engine:    NewEngine(b, source),
		scheduler: scheduler,
		backend:   b,
	}, nil
}

func newBackend(cfg Config, scheduler *cleanup.Scheduler) (backend.Backend, error) {
	switch cfg.Target {
	case TargetKubernetes:
		config, client, err := kubernetesClient(cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("connecting to kubernetes: %w", err)
		}
		return backend.NewKubernetes(client, config, scheduler, cfg.Namespace, cfg.DryRun), nil
	case TargetDocker:
		engine, err := backend.NewDockerEngine()
		if err != nil {
			return nil, err
		}
		return backend.NewDocker(engine, backend.LocalHost{}, scheduler, cfg.DryRun), nil
	default:
		return nil, fmt.Errorf("unknown target %q (expected %s or %s)",
			cfg.Target, TargetKubernetes, TargetDocker)
	}
}

// kubernetesClient prefers an explicit kubeconfig and falls back to
// in-cluster credentials.
func kubernetesClient(kubeconfig string) (*rest.Config, kubernetes.Interface, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		if config, err = rest.InClusterConfig(); err != nil {
			return nil, nil, err
		}
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, nil, err
	}
	return config, client, nil
}

// Run interprets the program. Reversals scheduled during the run stay
// pending until their window elapses or Close sweeps them.
func (s *Session) Run(ctx context.Context, program *parser.Program) error {
	return s.engine.Run(ctx, program)
}

// Pending reports how many reversals are still outstanding.
func (s *Session) Pending() int { return s.scheduler.Pending() }

// TimedReversals reports how many reversals are still waiting on their
// window to elapse.
func (s *Session) TimedReversals() int { return s.scheduler.Timed() }

// Close cancels pending timers, runs every outstanding reversal, and
// releases the backend. Safe to call more than once.
func (s *Session) Close() {
	s.scheduler.Close()
	if err := s.backend.Close(); err != nil {
		klog.Warningf("closing backend: %v", err)
	}
}

package backend

import (
	"context"
	"fmt"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"k8s.io/klog/v2"

	"github.com/netchaos/netchaos/pkg/chaos/cleanup"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

// Container is the slice of container state the backend needs: the
// identity for engine calls, the PID for namespace inspection, and
// the network addresses for destination filters.
type Container struct {
	ID        string
	Name      string
	PID       int
	Addresses []string
}

// ContainerEngine is the container runtime surface the Docker backend
// drives. The production implementation wraps the Docker API client.
type ContainerEngine interface {
	Inspect(ctx context.Context, name string) (Container, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Close() error
}

// Docker applies chaos statements to containers on the local host.
// Traffic shaping happens on the host side of the container's veth
// pair, so the container itself needs no tc binary or capabilities.
type Docker struct {
	engine    ContainerEngine
	host      Host
	scheduler *cleanup.Scheduler
	dryRun    bool
}

func NewDocker(engine ContainerEngine, host Host, scheduler *cleanup.Scheduler, dryRun bool) *Docker {
	return &Docker{engine: engine, host: host, scheduler: scheduler, dryRun: dryRun}
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Close() error { return d.engine.Close() }

func (d *Docker) Apply(ctx context.Context, stmt parser.ChaosStatement) error {
	switch s := stmt.(type) {
	case *parser.NodeStatement:
		return d.applyNode(ctx, s)
	case *parser.PartitionStatement:
		// Label-selector partitions need an orchestrator policy layer
		// that plain Docker networking does not have.
		klog.Warningf("docker backend: partition statements are not supported, skipping partition between %s and %s",
			s.From, s.To)
		return nil
	case *parser.LinkStatement:
		return d.applyLink(ctx, s)
	default:
		return fmt.Errorf("docker backend: unhandled statement type %T", stmt)
	}
}

func (d *Docker) applyNode(ctx context.Context, stmt *parser.NodeStatement) error {
	container, err := d.engine.Inspect(ctx, stmt.Service)
	if err != nil {
		return fmt.Errorf("looking up container %s: %w", stmt.Service, err)
	}

	// Resolved once per statement and shared by all shaping actions. A
	// failed action is logged and skipped; its siblings still run, and a
	// veth that cannot be resolved only disables the shaping actions
	// while crash and restart proceed.
	veth := ""
	for _, action := range stmt.Actions {
		switch a := action.(type) {
		case *parser.DelayAction:
			if veth, err = d.ensureVeth(ctx, container, veth); err == nil {
				err = d.applyHostQdisc(ctx, container, "delay",
					[][]string{netemDelayArgs(veth, a, false)},
					cleanupWindow(a.Window, a.Duration.Seconds()))
			}
		case *parser.LossAction:
			if veth, err = d.ensureVeth(ctx, container, veth); err == nil {
				err = d.applyHostQdisc(ctx, container, "loss",
					[][]string{netemLossArgs(veth, a.Percentage, false)},
					cleanupWindow(a.Window, defaultWindowSeconds))
			}
		case *parser.CrashAction:
			err = d.stopContainer(ctx, container)
		case *parser.RestartAction:
			err = d.restartContainer(ctx, container)
		default:
			err = fmt.Errorf("docker backend: unhandled node action %T", action)
		}
		if err != nil {
			klog.Errorf("node %s: %v", stmt.Service, err)
		}
	}
	return nil
}

func (d *Docker) ensureVeth(ctx context.Context, container Container, veth string) (string, error) {
	if veth != "" {
		return veth, nil
	}
	if container.PID == 0 {
		return "", fmt.Errorf("container %s is not running: %w", container.Name, ErrNotFound)
	}
	resolved, err := ResolveHostVeth(ctx, d.host, container.PID)
	if err != nil {
		return "", fmt.Errorf("resolving veth for container %s: %w", container.Name, err)
	}
	klog.V(1).Infof("docker: container %s traffic flows through host interface %s", container.Name, resolved)
	return resolved, nil
}

// applyHostQdisc runs the shaping commands on the host and schedules
// the qdisc removal. The reversal is registered once the first command
// mutates the host, so a failure partway through a batch (qdisc added,
// filter rejected) still gets cleaned up. The revert re-resolves the
// veth at fire time because a container restart invalidates the
// original interface.
func (d *Docker) applyHostQdisc(ctx context.Context, container Container, kind string, commands [][]string, windowSeconds float64) error {
	applied := false
	var cmdErr error
	for _, command := range commands {
		if d.dryRun {
			klog.Infof("[dry-run] docker: would run %q on host", strings.Join(command, " "))
			continue
		}
		if _, err := d.host.Run(ctx, command...); err != nil {
			cmdErr = fmt.Errorf("applying %s to container %s: %w", kind, container.Name, err)
			break
		}
		applied = true
	}
	if applied {
		klog.Infof("docker: applied %s to container %s, reverting in %gs", kind, container.Name, windowSeconds)
		d.scheduler.Schedule(container.Name, kind, secondsToDuration(windowSeconds), d.revertHostQdisc(container.ID))
	}
	return cmdErr
}

func (d *Docker) revertHostQdisc(containerID string) cleanup.RevertFunc {
	return func() error {
		ctx := context.Background()
		container, err := d.engine.Inspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("looking up container %s for cleanup: %w", containerID, err)
		}
		veth, err := ResolveHostVeth(ctx, d.host, container.PID)
		if err != nil {
			return fmt.Errorf("resolving veth for cleanup of container %s: %w", containerID, err)
		}
		_, err = d.host.Run(ctx, qdiscDelArgs(veth)...)
		return err
	}
}

func (d *Docker) stopContainer(ctx context.Context, container Container) error {
	if d.dryRun {
		klog.Infof("[dry-run] docker: would stop container %s", container.Name)
		return nil
	}
	if err := d.engine.Stop(ctx, container.ID); err != nil {
		return fmt.Errorf("stopping container %s: %w", container.Name, err)
	}
	klog.Infof("docker: stopped container %s", container.Name)
	return nil
}

func (d *Docker) restartContainer(ctx context.Context, container Container) error {
	if d.dryRun {
		klog.Infof("[dry-run] docker: would restart container %s", container.Name)
		return nil
	}
	if err := d.engine.Restart(ctx, container.ID); err != nil {
		return fmt.Errorf("restarting container %s: %w", container.Name, err)
	}
	klog.Infof("docker: restarted container %s", container.Name)
	return nil
}

// applyLink shapes traffic from one container toward another by
// pairing a classful qdisc on the source veth with a u32 filter
// matching the destination's address.
func (d *Docker) applyLink(ctx context.Context, stmt *parser.LinkStatement) error {
	from, err := d.engine.Inspect(ctx, stmt.From)
	if err != nil {
		return fmt.Errorf("looking up container %s: %w", stmt.From, err)
	}
	to, err := d.engine.Inspect(ctx, stmt.To)
	if err != nil {
		return fmt.Errorf("looking up container %s: %w", stmt.To, err)
	}
	if len(to.Addresses) == 0 {
		return fmt.Errorf("container %s has no network address: %w", to.Name, ErrNotFound)
	}
	toIP := to.Addresses[0]

	veth, err := d.ensureVeth(ctx, from, "")
	if err != nil {
		return err
	}
	klog.Infof("docker: shaping traffic from %s (host interface %s) toward %s at %s",
		from.Name, veth, to.Name, toIP)

	for _, action := range stmt.Actions {
		kind, command, window := linkCommand(veth, action, true)
		if command == nil {
			klog.Errorf("docker backend: unhandled link action %T", action)
			continue
		}
		err := d.applyHostQdisc(ctx, from, kind,
			[][]string{command, dstFilterArgs(veth, toIP)}, window)
		if err != nil {
			klog.Errorf("link %s -> %s: %v", stmt.From, stmt.To, err)
		}
	}
	return nil
}

// dockerEngine adapts the Docker API client to ContainerEngine.
type dockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the container engine using the standard
// DOCKER_HOST environment configuration.
func NewDockerEngine() (ContainerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) Inspect(ctx context.Context, name string) (Container, error) {
	info, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Container{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
		}
		return Container{}, err
	}
	container := Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		container.PID = info.State.Pid
	}
	if info.NetworkSettings != nil {
		for _, endpoint := range info.NetworkSettings.Networks {
			if endpoint.IPAddress != "" {
				container.Addresses = append(container.Addresses, endpoint.IPAddress)
			}
		}
	}
	return container, nil
}

func (e *dockerEngine) Stop(ctx context.Context, id string) error {
	return e.cli.ContainerStop(ctx, id, dockercontainer.StopOptions{})
}

func (e *dockerEngine) Restart(ctx context.Context, id string) error {
	return e.cli.ContainerRestart(ctx, id, dockercontainer.StopOptions{})
}

func (e *dockerEngine) Close() error { return e.cli.Close() }

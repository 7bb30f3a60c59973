package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netchaos/netchaos/pkg/chaos/cleanup"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]Container
	stopped    []string
	restarted  []string
}

func (e *fakeEngine) Inspect(ctx context.Context, name string) (Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, container := range e.containers {
		if container.Name == name || container.ID == name {
			return container, nil
		}
	}
	return Container{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
}

func (e *fakeEngine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, id)
	return nil
}

func (e *fakeEngine) Restart(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarted = append(e.restarted, id)
	return nil
}

func (e *fakeEngine) Close() error { return nil }

type dockerFixture struct {
	backend   *Docker
	engine    *fakeEngine
	host      *fakeHost
	scheduler *cleanup.Scheduler
}

// newDockerFixture wires a backend against a scripted engine and host:
// container "web" (pid 42) sits behind host interface veth9a3f, and
// container "db" (pid 43) behind vethb201 with address 10.0.0.9.
func newDockerFixture(t *testing.T, dryRun bool) *dockerFixture {
	t.Helper()
	engine := &fakeEngine{containers: map[string]Container{
		"web": {ID: "c1", Name: "web", PID: 42, Addresses: []string{"10.0.0.5"}},
		"db":  {ID: "c2", Name: "db", PID: 43, Addresses: []string{"10.0.0.9"}},
	}}
	host := &fakeHost{
		nsIfaces: map[int][]string{
			42: {"lo", "eth0"},
			43: {"lo", "eth0"},
		},
		peerIndexes: map[string]int{"42/eth0": 7, "43/eth0": 9},
		hostIfaces: []Interface{
			{Name: "veth9a3f", Index: 7},
			{Name: "vethb201", Index: 9},
		},
	}
	scheduler := cleanup.NewScheduler()
	t.Cleanup(scheduler.Close)
	return &dockerFixture{
		backend:   NewDocker(engine, host, scheduler, dryRun),
		engine:    engine,
		host:      host,
		scheduler: scheduler,
	}
}

func tcCommands(commands []string) []string {
	var shaped []string
	for _, command := range commands {
		if strings.HasPrefix(command, "tc ") {
			shaped = append(shaped, command)
		}
	}
	return shaped
}

func TestDockerNodeDelayShapesHostVeth(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{&parser.DelayAction{
			Duration: parser.Duration{Value: 30, Unit: "s"},
		}},
	})
	require.NoError(t, err)

	shaped := tcCommands(fixture.host.ranCommands())
	require.Len(t, shaped, 1)
	assert.Equal(t, "tc qdisc add dev veth9a3f root netem delay 30000ms", shaped[0])
	assert.Equal(t, 1, fixture.scheduler.Pending())
}

func TestDockerVethResolvedOncePerStatement(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{
			&parser.DelayAction{Duration: parser.Duration{Value: 30, Unit: "s"}},
			&parser.LossAction{Percentage: 5},
		},
	})
	require.NoError(t, err)

	listings := 0
	for _, command := range fixture.host.ranCommands() {
		if strings.Contains(command, "ls /sys/class/net") {
			listings++
		}
	}
	assert.Equal(t, 1, listings)
	assert.Len(t, tcCommands(fixture.host.ranCommands()), 2)
}

func TestDockerCrashStopsContainer(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{&parser.CrashAction{}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, fixture.engine.stopped)
	assert.Empty(t, fixture.host.ranCommands())
}

func TestDockerRestartRestartsContainer(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "db",
		Actions: []parser.NodeAction{&parser.RestartAction{}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, fixture.engine.restarted)
}

func TestDockerMissingContainerReportsNotFound(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "ghost",
		Actions: []parser.NodeAction{&parser.CrashAction{}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDockerPartitionIsSkipped(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.PartitionStatement{
		From: parser.Filter{Pairs: []parser.KeyValuePair{{Key: "app", Value: "a"}}},
		To:   parser.Filter{Pairs: []parser.KeyValuePair{{Key: "app", Value: "b"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, fixture.host.ranCommands())
	assert.Empty(t, fixture.engine.stopped)
	assert.Equal(t, 0, fixture.scheduler.Pending())
}

func TestDockerLinkAddsDestinationFilter(t *testing.T) {
	fixture := newDockerFixture(t, false)

	err := fixture.backend.Apply(context.Background(), &parser.LinkStatement{
		From: "web",
		To:   "db",
		Actions: []parser.LinkAction{&parser.DelayAction{
			Duration: parser.Duration{Value: 50, Unit: "ms"},
		}},
	})
	require.NoError(t, err)

	shaped := tcCommands(fixture.host.ranCommands())
	require.Len(t, shaped, 2)
	assert.Equal(t, "tc qdisc add dev veth9a3f root handle 1: netem delay 50ms", shaped[0])
	assert.Equal(t,
		"tc filter add dev veth9a3f protocol ip parent 1: prio 1 u32 match ip dst 10.0.0.9 flowid 1:1",
		shaped[1])
}

func TestDockerLinkBandwidth(t *testing.T) {
	fixture := newDockerFixture(t, false)

	window := parser.Duration{Value: 1, Unit: "m"}
	err := fixture.backend.Apply(context.Background(), &parser.LinkStatement{
		From: "web",
		To:   "db",
		Actions: []parser.LinkAction{&parser.BandwidthAction{
			Rate:   parser.Rate{Value: 1, Unit: "mbps"},
			Window: &window,
		}},
	})
	require.NoError(t, err)

	shaped := tcCommands(fixture.host.ranCommands())
	require.Len(t, shaped, 2)
	assert.Contains(t, shaped[0], "tbf rate 1000kbps burst 10kb latency 70ms")
	assert.Equal(t, 1, fixture.scheduler.Pending())
}

func TestDockerRevertReresolvesVeth(t *testing.T) {
	fixture := newDockerFixture(t, false)

	revert := fixture.backend.revertHostQdisc("c1")
	require.NoError(t, revert())

	commands := fixture.host.ranCommands()
	assert.Contains(t, commands, "tc qdisc del dev veth9a3f root")
}

func TestDockerVethFailureStillRunsProcessActions(t *testing.T) {
	fixture := newDockerFixture(t, false)
	// Resolution fails: the namespace exposes eth0 but its peer index
	// is unreadable.
	delete(fixture.host.peerIndexes, "42/eth0")

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{
			&parser.DelayAction{Duration: parser.Duration{Value: 30, Unit: "s"}},
			&parser.CrashAction{},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, tcCommands(fixture.host.ranCommands()))
	assert.Equal(t, []string{"c1"}, fixture.engine.stopped)
}

func TestDockerFailedShapingDoesNotSkipSiblings(t *testing.T) {
	fixture := newDockerFixture(t, false)
	fixture.host.failContains = "tc qdisc add"

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{
			&parser.LossAction{Percentage: 5},
			&parser.RestartAction{},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, fixture.engine.restarted)
	assert.Equal(t, 0, fixture.scheduler.Pending())
}

func TestDockerLinkFilterFailureStillRegistersReversal(t *testing.T) {
	fixture := newDockerFixture(t, false)
	fixture.host.failContains = "tc filter"

	err := fixture.backend.Apply(context.Background(), &parser.LinkStatement{
		From: "web",
		To:   "db",
		Actions: []parser.LinkAction{&parser.DelayAction{
			Duration: parser.Duration{Value: 30, Unit: "s"},
		}},
	})
	require.NoError(t, err)

	// The qdisc landed before the filter was rejected, so its removal
	// must be scheduled for the close sweep.
	shaped := tcCommands(fixture.host.ranCommands())
	require.Len(t, shaped, 2)
	assert.Contains(t, shaped[0], "tc qdisc add")
	assert.Equal(t, 1, fixture.scheduler.Pending())

	fixture.scheduler.Close()
	assert.Contains(t, fixture.host.ranCommands(), "tc qdisc del dev veth9a3f root")
}

func TestDockerDryRunShapesNothing(t *testing.T) {
	fixture := newDockerFixture(t, true)

	err := fixture.backend.Apply(context.Background(), &parser.NodeStatement{
		Service: "web",
		Actions: []parser.NodeAction{
			&parser.DelayAction{Duration: parser.Duration{Value: 1, Unit: "s"}},
			&parser.CrashAction{},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, tcCommands(fixture.host.ranCommands()))
	assert.Empty(t, fixture.engine.stopped)
	assert.Equal(t, 0, fixture.scheduler.Pending())
}

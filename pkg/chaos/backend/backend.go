// Package backend translates abstract chaos statements into concrete
// operations against a target environment. Two implementations share
// the statement vocabulary: Kubernetes drives an orchestrator API and
// in-pod traffic shaping, Docker drives the container engine and
// host-side traffic shaping on the container's veth pair.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

// ErrNotFound reports that no pod or container matched a lookup. The
// caller skips the current statement and continues.
var ErrNotFound = errors.New("no matching target found")

// defaultWindowSeconds bounds rules applied without an explicit
// duration: loss and bandwidth rules are reverted after this many
// seconds so an experiment cannot leave the interface degraded forever.
const defaultWindowSeconds = 30

// Backend applies chaos statements to a target environment. Apply
// returns an error for logging only; the interpreter never treats a
// backend failure as fatal.
type Backend interface {
	Name() string
	Apply(ctx context.Context, stmt parser.ChaosStatement) error
	// Close releases backend resources after the final cleanup sweep.
	Close() error
}

// The tc invocations below mirror the commands the experiments depend
// on: netem for delay/loss, tbf for bandwidth, and a u32 dst-match
// filter for per-destination link shaping.

func netemDelayArgs(device string, action *parser.DelayAction, handle bool) []string {
	args := []string{"tc", "qdisc", "add", "dev", device, "root"}
	if handle {
		args = append(args, "handle", "1:")
	}
	args = append(args, "netem", "delay", fmt.Sprintf("%dms", action.Duration.Milliseconds()))
	if action.Jitter != nil {
		args = append(args, fmt.Sprintf("%dms", action.Jitter.Milliseconds()))
	}
	return args
}

func netemLossArgs(device string, percentage float64, handle bool) []string {
	args := []string{"tc", "qdisc", "add", "dev", device, "root"}
	if handle {
		args = append(args, "handle", "1:")
	}
	return append(args, "netem", "loss", fmt.Sprintf("%g%%", percentage))
}

func tbfArgs(device string, rate parser.Rate, handle bool) []string {
	args := []string{"tc", "qdisc", "add", "dev", device, "root"}
	if handle {
		args = append(args, "handle", "1:")
	}
	return append(args,
		"tbf", "rate", fmt.Sprintf("%gkbps", rate.Kbps()),
		"burst", "10kb", "latency", "70ms")
}

func dstFilterArgs(device, dstIP string) []string {
	return []string{
		"tc", "filter", "add", "dev", device,
		"protocol", "ip", "parent", "1:", "prio", "1",
		"u32", "match", "ip", "dst", dstIP, "flowid", "1:1",
	}
}

func qdiscDelArgs(device string) []string {
	return []string{"tc", "qdisc", "del", "dev", device, "root"}
}

// cleanupWindow picks how long a rule stays applied before its
// reversal fires. A trailing duration modifier wins; a delay rule
// otherwise lives for its own delay duration; everything else falls
// back to the default window.
func cleanupWindow(window *parser.Duration, fallback float64) float64 {
	if window != nil {
		return window.Seconds()
	}
	return fallback
}

func itoa(n int) string { return strconv.Itoa(n) }

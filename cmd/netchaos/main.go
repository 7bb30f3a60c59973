// netchaos runs declarative network chaos experiments against a
// Kubernetes cluster or the local Docker engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/netchaos/netchaos/pkg/chaos"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
	"github.com/netchaos/netchaos/pkg/chaos/visualizer"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netchaos <experiment-file>",
		Short: "Run declarative network chaos experiments",
		Long: `netchaos parses an experiment file and injects the described faults
(delay, loss, bandwidth limits, crashes, restarts, partitions) into a
Kubernetes cluster or local Docker containers. Every injected fault is
reverted when its window elapses or when the run ends.

Flags can also be set through NETCHAOS_* environment variables, e.g.
NETCHAOS_TARGET=docker.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), args[0])
			if err != nil {
				klog.Errorf("%v", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("target", chaos.TargetKubernetes, "backend to drive: kubernetes or docker")
	flags.Bool("dry-run", false, "log intended actions without touching the target")
	flags.String("metrics-url", "http://localhost:9090", "Prometheus-compatible endpoint for conditions")
	flags.String("namespace", "default", "Kubernetes namespace for pods and policies")
	flags.String("kubeconfig", defaultKubeconfig(), "path to kubeconfig; in-cluster config when unreadable")
	flags.Bool("visualize", false, "print a Graphviz DOT graph of the experiment instead of running it")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	flags.AddGoFlagSet(klogFlags)

	viper.SetEnvPrefix("NETCHAOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	return cmd
}

func run(ctx context.Context, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading experiment file: %w", err)
	}
	program, err := parser.Parse(string(source))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if viper.GetBool("visualize") {
		out := filepath.Base(path) + ".dot"
		if err := os.WriteFile(out, []byte(visualizer.Dot(program)), 0o644); err != nil {
			return fmt.Errorf("writing DOT file: %w", err)
		}
		klog.Infof("DOT graph saved to %s, render it with: dot -Tpng %s -o %s.png",
			out, out, strings.TrimSuffix(out, ".dot"))
		return nil
	}

	session, err := chaos.NewSession(chaos.Config{
		Target:     viper.GetString("target"),
		DryRun:     viper.GetBool("dry-run"),
		MetricsURL: viper.GetString("metrics-url"),
		Namespace:  viper.GetString("namespace"),
		Kubeconfig: viper.GetString("kubeconfig"),
	})
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Run(ctx, program); err != nil {
		return err
	}
	waitForReversals(ctx, session)
	return nil
}

// waitForReversals keeps the process alive until every timed reversal
// has fired, so injected faults last their full window. Sweep-only
// registrations are reverted by the session close on return. An
// interrupt skips the wait and sweeps everything immediately.
func waitForReversals(ctx context.Context, session *chaos.Session) {
	if session.TimedReversals() == 0 {
		return
	}
	klog.Infof("Waiting for %d scheduled reversals", session.TimedReversals())
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for session.TimedReversals() > 0 {
		select {
		case <-ctx.Done():
			klog.Info("Interrupted, sweeping outstanding reversals")
			return
		case <-ticker.C:
		}
	}
}

func defaultKubeconfig() string {
	if env := os.Getenv("KUBECONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

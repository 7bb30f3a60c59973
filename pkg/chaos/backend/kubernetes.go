package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/netchaos/netchaos/pkg/chaos/cleanup"
	"github.com/netchaos/netchaos/pkg/chaos/parser"
)

// podExecutor runs a command inside a pod's first container.
type podExecutor interface {
	Exec(ctx context.Context, namespace, pod string, command []string) error
}

// Kubernetes applies chaos statements to a cluster. Node and link
// actions shape traffic on eth0 inside the target pod; partitions
// become NetworkPolicy objects with the manifest persisted to disk
// alongside the API call.
type Kubernetes struct {
	client    kubernetes.Interface
	executor  podExecutor
	scheduler *cleanup.Scheduler
	namespace string
	manifests string
	dryRun    bool
}

// NewKubernetes builds a cluster backend. config may be nil only when
// dryRun is set, since dry-run never opens an exec stream.
func NewKubernetes(client kubernetes.Interface, config *rest.Config, scheduler *cleanup.Scheduler, namespace string, dryRun bool) *Kubernetes {
	k := &Kubernetes{
		client:    client,
		scheduler: scheduler,
		namespace: namespace,
		dryRun:    dryRun,
	}
	if config != nil {
		k.executor = &spdyExecutor{client: client, config: config}
	}
	return k
}

func (k *Kubernetes) Name() string { return "kubernetes" }

func (k *Kubernetes) Close() error {
	if k.manifests != "" {
		return os.RemoveAll(k.manifests)
	}
	return nil
}

func (k *Kubernetes) Apply(ctx context.Context, stmt parser.ChaosStatement) error {
	switch s := stmt.(type) {
	case *parser.NodeStatement:
		return k.applyNode(ctx, s)
	case *parser.PartitionStatement:
		return k.applyPartition(ctx, s)
	case *parser.LinkStatement:
		return k.applyLink(ctx, s)
	default:
		return fmt.Errorf("kubernetes backend: unhandled statement type %T", stmt)
	}
}

func (k *Kubernetes) applyNode(ctx context.Context, stmt *parser.NodeStatement) error {
	pod, err := k.findPod(ctx, stmt.Service)
	if err != nil {
		return err
	}
	// A failed action is logged and skipped; its siblings still run.
	for _, action := range stmt.Actions {
		switch a := action.(type) {
		case *parser.DelayAction:
			err = k.applyQdisc(ctx, pod, "delay",
				strings.Join(netemDelayArgs("eth0", a, false), " "),
				cleanupWindow(a.Window, a.Duration.Seconds()))
		case *parser.LossAction:
			err = k.applyQdisc(ctx, pod, "loss",
				strings.Join(netemLossArgs("eth0", a.Percentage, false), " "),
				cleanupWindow(a.Window, defaultWindowSeconds))
		case *parser.CrashAction:
			err = k.crashPod(ctx, pod)
		case *parser.RestartAction:
			err = k.restartDeployment(ctx, stmt.Service)
		default:
			err = fmt.Errorf("kubernetes backend: unhandled node action %T", action)
		}
		if err != nil {
			klog.Errorf("node %s: %v", stmt.Service, err)
		}
	}
	return nil
}

// findPod picks the first pod matching the service label, mirroring
// how the experiment targets a single replica of a service.
func (k *Kubernetes) findPod(ctx context.Context, service string) (string, error) {
	pods, err := k.findPods(ctx, service)
	if err != nil {
		return "", err
	}
	return pods[0], nil
}

// applyQdisc runs a traffic-shaping shell command inside the pod and
// schedules the matching qdisc removal.
func (k *Kubernetes) applyQdisc(ctx context.Context, pod, kind, shell string, windowSeconds float64) error {
	if k.dryRun {
		klog.Infof("[dry-run] kubernetes: would run %q in pod %s", shell, pod)
		return nil
	}
	if err := k.executor.Exec(ctx, k.namespace, pod, []string{"sh", "-c", shell}); err != nil {
		return fmt.Errorf("applying %s to pod %s: %w", kind, pod, err)
	}
	klog.Infof("kubernetes: applied %s to pod %s, reverting in %gs", kind, pod, windowSeconds)
	k.scheduler.Schedule(pod, kind, secondsToDuration(windowSeconds), func() error {
		return k.executor.Exec(context.Background(), k.namespace, pod,
			[]string{"sh", "-c", strings.Join(qdiscDelArgs("eth0"), " ")})
	})
	return nil
}

func (k *Kubernetes) crashPod(ctx context.Context, pod string) error {
	if k.dryRun {
		klog.Infof("[dry-run] kubernetes: would delete pod %s", pod)
		return nil
	}
	if err := k.client.CoreV1().Pods(k.namespace).Delete(ctx, pod, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("deleting pod %s: %w", pod, err)
	}
	klog.Infof("kubernetes: deleted pod %s", pod)
	return nil
}

// restartDeployment triggers a rolling restart of the deployment named
// after the service, the same way kubectl rollout restart does.
func (k *Kubernetes) restartDeployment(ctx context.Context, service string) error {
	if k.dryRun {
		klog.Infof("[dry-run] kubernetes: would restart deployment %s", service)
		return nil
	}
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
		time.Now().Format(time.RFC3339))
	_, err := k.client.AppsV1().Deployments(k.namespace).Patch(ctx, service,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("restarting deployment %s: %w", service, err)
	}
	klog.Infof("kubernetes: restarted deployment %s", service)
	return nil
}

func (k *Kubernetes) applyPartition(ctx context.Context, stmt *parser.PartitionStatement) error {
	policy := partitionPolicy(k.namespace, stmt.From.Labels(), stmt.To.Labels())
	if k.dryRun {
		manifest, err := yaml.Marshal(policy)
		if err != nil {
			return fmt.Errorf("rendering policy %s: %w", policy.Name, err)
		}
		klog.Infof("[dry-run] kubernetes: would apply NetworkPolicy %s:\n%s", policy.Name, manifest)
		return nil
	}

	manifestPath, err := k.persistManifest(policy)
	if err != nil {
		return err
	}
	if _, err := k.client.NetworkingV1().NetworkPolicies(k.namespace).Create(ctx, policy, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("applying NetworkPolicy %s: %w", policy.Name, err)
	}
	klog.Infof("kubernetes: applied NetworkPolicy %s", policy.Name)

	revert := func() error {
		err := k.client.NetworkingV1().NetworkPolicies(k.namespace).Delete(
			context.Background(), policy.Name, metav1.DeleteOptions{})
		return errors.Join(err, os.Remove(manifestPath))
	}
	if stmt.Duration != nil {
		k.scheduler.Schedule(policy.Name, "partition", secondsToDuration(stmt.Duration.Seconds()), revert)
	} else {
		k.scheduler.Register(policy.Name, "partition", revert)
	}
	return nil
}

// persistManifest writes the policy YAML next to the run so an
// operator can inspect or re-apply what the experiment created.
func (k *Kubernetes) persistManifest(policy *networkingv1.NetworkPolicy) (string, error) {
	if k.manifests == "" {
		dir, err := os.MkdirTemp("", "netchaos-manifests-")
		if err != nil {
			return "", fmt.Errorf("creating manifest directory: %w", err)
		}
		k.manifests = dir
	}
	manifest, err := yaml.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("rendering policy %s: %w", policy.Name, err)
	}
	path := filepath.Join(k.manifests, policy.Name+".yaml")
	if err := os.WriteFile(path, manifest, 0o644); err != nil {
		return "", fmt.Errorf("writing manifest %s: %w", path, err)
	}
	return path, nil
}

// applyLink shapes traffic leaving every source pod. Each destination
// pod contributes one shaping command; the commands are chained into a
// single shell exec per pod and action.
func (k *Kubernetes) applyLink(ctx context.Context, stmt *parser.LinkStatement) error {
	toIPs, err := k.findPodIPs(ctx, stmt.To)
	if err != nil {
		return err
	}
	fromPods, err := k.findPods(ctx, stmt.From)
	if err != nil {
		return err
	}
	for _, pod := range fromPods {
		klog.Infof("kubernetes: shaping traffic from pod %s toward service %s", pod, stmt.To)
		for _, action := range stmt.Actions {
			kind, command, window := linkCommand("eth0", action, false)
			if command == nil {
				klog.Errorf("kubernetes backend: unhandled link action %T", action)
				continue
			}
			parts := make([]string, 0, len(toIPs))
			for range toIPs {
				parts = append(parts, strings.Join(command, " "))
			}
			if err := k.applyQdisc(ctx, pod, kind, strings.Join(parts, " ; "), window); err != nil {
				klog.Errorf("link %s -> %s: %v", stmt.From, stmt.To, err)
			}
		}
	}
	return nil
}

func (k *Kubernetes) findPods(ctx context.Context, service string) ([]string, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "service=" + service,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods for service %s: %w", service, err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("service %s has no pods: %w", service, ErrNotFound)
	}
	names := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		names = append(names, pod.Name)
	}
	return names, nil
}

func (k *Kubernetes) findPodIPs(ctx context.Context, service string) ([]string, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "service=" + service,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods for service %s: %w", service, err)
	}
	ips := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.PodIP != "" {
			ips = append(ips, pod.Status.PodIP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("service %s has no pod IPs: %w", service, ErrNotFound)
	}
	return ips, nil
}

// linkCommand maps a link action onto a shaping command and its
// revert window. Shared with the Docker backend, which adds a
// destination filter on top when handle is set.
func linkCommand(device string, action parser.LinkAction, handle bool) (kind string, command []string, windowSeconds float64) {
	switch a := action.(type) {
	case *parser.DelayAction:
		return "delay", netemDelayArgs(device, a, handle), cleanupWindow(a.Window, a.Duration.Seconds())
	case *parser.LossAction:
		return "loss", netemLossArgs(device, a.Percentage, handle), cleanupWindow(a.Window, defaultWindowSeconds)
	case *parser.BandwidthAction:
		return "bandwidth", tbfArgs(device, a.Rate, handle), cleanupWindow(a.Window, defaultWindowSeconds)
	default:
		return "", nil, 0
	}
}

// partitionPolicy builds the NetworkPolicy cutting traffic between two
// label-selected pod groups. Selecting the source pods with an Egress
// policy whose only rule targets the destination drops everything the
// rule does not allow.
func partitionPolicy(namespace string, from, to map[string]string) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "networking.k8s.io/v1",
			Kind:       "NetworkPolicy",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      partitionPolicyName(from, to),
			Namespace: namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: from},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{{
				To: []networkingv1.NetworkPolicyPeer{{
					PodSelector: &metav1.LabelSelector{MatchLabels: to},
				}},
			}},
		},
	}
}

// partitionPolicyName derives a stable name from the sorted label
// pairs of both selectors, so the same partition statement always
// names the same policy.
func partitionPolicyName(from, to map[string]string) string {
	h := sha256.New()
	for _, labels := range []map[string]string{from, to} {
		keys := make([]string, 0, len(labels))
		for key := range labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(h, "%s=%s;", key, labels[key])
		}
		h.Write([]byte("|"))
	}
	return "chaos-partition-" + hex.EncodeToString(h.Sum(nil))[:12]
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// spdyExecutor streams exec commands to the kubelet over SPDY.
type spdyExecutor struct {
	client kubernetes.Interface
	config *rest.Config
}

func (e *spdyExecutor) Exec(ctx context.Context, namespace, pod string, command []string) error {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("creating exec stream for pod %s: %w", pod, err)
	}
	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return fmt.Errorf("running %q in pod %s: %w: %s",
			strings.Join(command, " "), pod, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

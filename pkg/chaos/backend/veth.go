package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Host runs commands and reads interface metadata on the machine that
// owns the container network namespaces. It exists so the resolution
// algorithm and the traffic-shaping handlers can be tested without a
// real host.
type Host interface {
	// Run executes argv on the host and returns combined output.
	Run(ctx context.Context, argv ...string) (string, error)
	// ListInterfaces enumerates host-side network interfaces.
	ListInterfaces() ([]Interface, error)
	// PeerIndex reads the peer link index of an interface inside the
	// network namespace of the given process.
	PeerIndex(ctx context.Context, pid int, name string) (int, error)
}

// Interface is a host network interface and its kernel link index.
type Interface struct {
	Name  string
	Index int
}

// ResolveHostVeth maps a containerized process to the host-side veth
// interface carrying its traffic. veth pairs expose each other's link
// index, so the peer index of the container's first non-loopback
// interface equals the host-side interface's own index.
func ResolveHostVeth(ctx context.Context, host Host, pid int) (string, error) {
	out, err := host.Run(ctx, "nsenter", "-t", itoa(pid), "-n", "ls", "/sys/class/net")
	if err != nil {
		return "", fmt.Errorf("listing interfaces in namespace of pid %d: %w", pid, err)
	}

	peer := 0
	for _, name := range strings.Fields(out) {
		if name == "lo" {
			continue
		}
		peer, err = host.PeerIndex(ctx, pid, name)
		if err != nil {
			return "", fmt.Errorf("reading peer index of %s in pid %d: %w", name, pid, err)
		}
		break
	}
	if peer == 0 {
		return "", fmt.Errorf("pid %d has no non-loopback interface: %w", pid, ErrNotFound)
	}

	ifaces, err := host.ListInterfaces()
	if err != nil {
		return "", fmt.Errorf("listing host interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Index == peer {
			return iface.Name, nil
		}
	}
	return "", fmt.Errorf("no host interface with index %d: %w", peer, ErrNotFound)
}

// LocalHost implements Host against the local machine. Command
// execution and sysfs reads have no ecosystem substitute here; the
// veth pairing is only visible through nsenter and /sys/class/net.
type LocalHost struct{}

func (LocalHost) Run(ctx context.Context, argv ...string) (string, error) {
	klog.V(2).Infof("host exec: %s", strings.Join(argv, " "))
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (LocalHost) ListInterfaces() ([]Interface, error) {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(entries))
	for _, entry := range entries {
		raw, err := os.ReadFile(filepath.Join("/sys/class/net", entry.Name(), "ifindex"))
		if err != nil {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		ifaces = append(ifaces, Interface{Name: entry.Name(), Index: index})
	}
	return ifaces, nil
}

func (h LocalHost) PeerIndex(ctx context.Context, pid int, name string) (int, error) {
	out, err := h.Run(ctx, "nsenter", "-t", itoa(pid), "-n", "cat", "/sys/class/net/"+name+"/iflink")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

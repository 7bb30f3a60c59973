package chaos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionRejectsUnknownTarget(t *testing.T) {
	_, err := NewSession(Config{Target: "podman", MetricsURL: "http://localhost:9090"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestNewSessionRejectsBareMetricsEndpoint(t *testing.T) {
	_, err := NewSession(Config{Target: TargetKubernetes, MetricsURL: "localhost:9090"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics")
}

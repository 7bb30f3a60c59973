// Package metrics provides the metric source consulted by condition
// evaluation. Queries are opaque strings; absence of data is a valid,
// non-error outcome.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"
)

// queryTimeout bounds every metric query. A timeout is reported as
// "no data", never as an error.
const queryTimeout = 10 * time.Second

// Source answers opaque metric queries. The boolean reports whether a
// sample was found; transport and format failures collapse to false.
type Source interface {
	Query(ctx context.Context, query string) (float64, bool)
}

// Prometheus queries a Prometheus HTTP API and returns the value of the
// first sample in the result.
type Prometheus struct {
	api     promv1.API
	timeout time.Duration
}

// NewPrometheus builds a source for the given Prometheus base URL.
func NewPrometheus(endpoint string) (*Prometheus, error) {
	if !strings.HasPrefix(endpoint, "http") {
		return nil, fmt.Errorf("metrics endpoint must be a URL (e.g. http://localhost:9090), got %q", endpoint)
	}
	client, err := api.NewClient(api.Config{Address: strings.TrimRight(endpoint, "/")})
	if err != nil {
		return nil, fmt.Errorf("creating prometheus client: %w", err)
	}
	return &Prometheus{api: promv1.NewAPI(client), timeout: queryTimeout}, nil
}

func (p *Prometheus) Query(ctx context.Context, query string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		klog.Errorf("Metric query %q failed: %v", query, err)
		return 0, false
	}
	for _, w := range warnings {
		klog.Warningf("Metric query %q warning: %s", query, w)
	}

	switch v := value.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, false
		}
		return float64(v[0].Value), true
	case *model.Scalar:
		return float64(v.Value), true
	default:
		klog.Warningf("Metric query %q returned unsupported result type %q", query, value.Type())
		return 0, false
	}
}

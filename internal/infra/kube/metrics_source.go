// internal/infra/kube/metrics_source.go
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"proxy-dispatcher/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
)

const metricsAPIPath = "/apis/metrics.k8s.io/v1beta1"

// podMetricsList mirrors the parts of metrics.k8s.io/v1beta1 PodMetricsList we read.
// Quantities stay raw strings; they are normalized by the snapshot source.
type podMetricsList struct {
	metav1.ListMeta `json:"metadata"`
	Items           []podMetrics `json:"items"`
}

type podMetrics struct {
	metav1.ObjectMeta `json:"metadata"`
	Containers        []containerMetrics `json:"containers"`
}

type containerMetrics struct {
	Name  string `json:"name"`
	Usage struct {
		CPU    string `json:"cpu"`
		Memory string `json:"memory"`
	} `json:"usage"`
}

type metricsSource struct {
	client    rest.Interface
	namespace string
	tracer    trace.Tracer
}

// NewMetricsSource reads pod usage from the metrics.k8s.io API. An empty namespace lists all namespaces.
func NewMetricsSource(client rest.Interface, namespace string) domain.MetricsSource {
	return &metricsSource{
		client:    client,
		namespace: namespace,
		tracer:    otel.Tracer("proxy-dispatcher-kube-metrics"),
	}
}

// FetchUsage lists pod metrics and reports each pod's first container usage.
func (s *metricsSource) FetchUsage(ctx context.Context) ([]domain.RawUsage, error) {
	ctx, span := s.tracer.Start(ctx, "kube.FetchPodMetrics")
	defer span.End()

	p := path.Join(metricsAPIPath, "pods")
	if s.namespace != "" {
		p = path.Join(metricsAPIPath, "namespaces", s.namespace, "pods")
	}
	span.SetAttributes(attribute.String("k8s.path", p))

	raw, err := s.client.Get().AbsPath(p).DoRaw(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "metrics API request failed")
		return nil, fmt.Errorf("metrics API request failed: %w", err)
	}

	var list podMetricsList
	if err := json.Unmarshal(raw, &list); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed metrics API response")
		return nil, fmt.Errorf("malformed metrics API response: %w", err)
	}

	usage := make([]domain.RawUsage, 0, len(list.Items))
	for _, item := range list.Items {
		rec := domain.RawUsage{Name: item.Name}
		if len(item.Containers) > 0 {
			rec.CPU = item.Containers[0].Usage.CPU
			rec.Memory = item.Containers[0].Usage.Memory
		}
		usage = append(usage, rec)
	}
	span.SetAttributes(attribute.Int("k8s.pods", len(usage)))
	return usage, nil
}

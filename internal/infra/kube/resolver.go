// internal/infra/kube/resolver.go
package kube

import (
	"context"
	"fmt"

	"proxy-dispatcher/internal/domain"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
)

type podResolver struct {
	pods      corev1client.PodsGetter
	namespace string
	port      int
}

// NewPodResolver resolves worker names to pod IPs, read fresh for every job.
func NewPodResolver(pods corev1client.PodsGetter, namespace string, port int) domain.AddressResolver {
	return &podResolver{pods: pods, namespace: namespace, port: port}
}

// Resolve looks up the pod. A missing pod, a terminating one and one without an IP
// are unresolvable. Failures of the API server itself are reported separately.
func (r *podResolver) Resolve(ctx context.Context, name string) (domain.WorkerEndpoint, error) {
	pod, err := r.pods.Pods(r.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: pod %s/%s not found", domain.ErrWorkerUnresolvable, r.namespace, name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return domain.WorkerEndpoint{}, fmt.Errorf("get pod %s/%s aborted: %w", r.namespace, name, ctx.Err())
		}
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: failed to get pod %s/%s: %w", domain.ErrDirectoryUnavailable, r.namespace, name, err)
	}
	if pod.DeletionTimestamp != nil {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: pod %s/%s is terminating", domain.ErrWorkerUnresolvable, r.namespace, name)
	}
	if pod.Status.PodIP == "" {
		return domain.WorkerEndpoint{}, fmt.Errorf("%w: pod %s/%s has no IP", domain.ErrWorkerUnresolvable, r.namespace, name)
	}
	return domain.WorkerEndpoint{Name: name, Host: pod.Status.PodIP, Port: r.port}, nil
}

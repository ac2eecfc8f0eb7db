package kube

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset prefers the in-cluster service account and falls back to a kubeconfig file.
func NewClientset(kubeconfig string, logger *slog.Logger) (*kubernetes.Clientset, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		logger.Info("loaded in-cluster kubernetes config")
	} else {
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		logger.Info("loaded local kubeconfig", "path", kubeconfig)
	}
	return kubernetes.NewForConfig(cfg)
}

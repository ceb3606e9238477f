package k8s

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"dio/pkg/logger"
)

const (
	drainingLabel           = "dio.io/draining"
	podDeletionCostKey      = "controller.kubernetes.io/pod-deletion-cost"
	drainingPodDeletionCost = -1000
)

// Manager K8s deployment manager
type Manager struct {
	client    kubernetes.Interface
	namespace string
}

// NewManager connects to the cluster, in-cluster first, kubeconfig otherwise
func NewManager(namespace string) (*Manager, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		// If not in cluster, try to use kubeconfig
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		configOverrides := &clientcmd.ConfigOverrides{}
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
		config, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %v", err)
		}
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %v", err)
	}
	return NewManagerWithClient(client, namespace), nil
}

// NewManagerWithClient wraps an existing clientset
func NewManagerWithClient(client kubernetes.Interface, namespace string) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	return &Manager{client: client, namespace: namespace}
}

// GetReplicas returns the desired replica count of a deployment
func (m *Manager) GetReplicas(ctx context.Context, name string) (int, error) {
	deployment, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment: %w", err)
	}
	if deployment.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*deployment.Spec.Replicas), nil
}

// ScaleDeployment updates the desired replica count of a deployment
func (m *Manager) ScaleDeployment(ctx context.Context, name string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("replicas cannot be negative")
	}

	deployments := m.client.AppsV1().Deployments(m.namespace)
	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	r := int32(replicas)
	deployment.Spec.Replicas = &r

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale deployment: %w", err)
	}
	return nil
}

// MarkPodForRemoval labels a pod as draining and lowers its deletion cost so
// the deployment controller removes it first on scale-down. A missing pod is
// not an error: the worker may not run in this cluster.
func (m *Manager) MarkPodForRemoval(ctx context.Context, podName string) (bool, error) {
	if podName == "" {
		return false, fmt.Errorf("pod name cannot be empty")
	}

	pods := m.client.CoreV1().Pods(m.namespace)
	pod, err := pods.Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			logger.DebugCtx(ctx, "pod %s not found in namespace %s", podName, m.namespace)
			return false, nil
		}
		return false, fmt.Errorf("failed to get pod %s: %w", podName, err)
	}

	if pod.Labels == nil {
		pod.Labels = make(map[string]string)
	}
	pod.Labels[drainingLabel] = "true"
	if pod.Annotations == nil {
		pod.Annotations = make(map[string]string)
	}
	pod.Annotations[podDeletionCostKey] = fmt.Sprintf("%d", drainingPodDeletionCost)

	if _, err := pods.Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		return false, fmt.Errorf("failed to update pod %s: %w", podName, err)
	}
	return true, nil
}

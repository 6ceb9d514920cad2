// Package k8s provisions worker instances as GPU pods on a Kubernetes cluster.
package k8s

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
)

const (
	// GPUResource is the extended resource exposed by the NVIDIA device plugin
	GPUResource corev1.ResourceName = "nvidia.com/gpu"

	// GPUProductLabel is the node label set by GPU feature discovery
	GPUProductLabel = "nvidia.com/gpu.product"

	appLabel = "mimir-fleet-worker"
)

// Provisioner starts worker agents as pods
type Provisioner struct {
	clientset          kubernetes.Interface
	namespace          string
	serviceAccountName string
}

var (
	_ provisioner.Provisioner   = (*Provisioner)(nil)
	_ provisioner.InstanceNamer = (*Provisioner)(nil)
	_ provisioner.Counter       = (*Provisioner)(nil)
)

// NewClient creates a Kubernetes clientset from in-cluster config or ~/.kube/config
func NewClient() (kubernetes.Interface, error) {
	config, err := getKubeConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// NewProvisioner creates a pod provisioner in namespace
func NewProvisioner(clientset kubernetes.Interface, namespace string) *Provisioner {
	if namespace == "" {
		namespace = "default"
	}
	return &Provisioner{
		clientset:          clientset,
		namespace:          namespace,
		serviceAccountName: "fleet-worker",
	}
}

// getKubeConfig returns the Kubernetes configuration
func getKubeConfig() (*rest.Config, error) {
	// Try in-cluster config first
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	// Fall back to kubeconfig file
	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// podName derives a DNS-1123 pod name from the worker ID
func podName(workerID string) string {
	name := "fleet-worker-" + strings.ToLower(workerID)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Start creates the worker pod and returns its name as the instance ID
func (p *Provisioner) Start(ctx context.Context, spec provisioner.InstanceSpec) (string, error) {
	name := podName(spec.WorkerID)

	labels := map[string]string{
		"app":       appLabel,
		"worker-id": spec.WorkerID,
		"org-id":    spec.OrgID,
		"job-kind":  string(spec.Kind),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	agentEnv := spec.AgentEnv()
	keys := make([]string, 0, len(agentEnv))
	for k := range agentEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envVars := make([]corev1.EnvVar, 0, len(keys)+1)
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: agentEnv[k]})
	}
	envVars = append(envVars, corev1.EnvVar{
		Name: "INSTANCE_ID",
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
		},
	})

	limits := corev1.ResourceList{}
	if spec.Resources.GPUCount > 0 {
		limits[GPUResource] = parseQuantity(strconv.Itoa(spec.Resources.GPUCount))
	}
	if spec.Resources.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = parseQuantity(fmt.Sprintf("%dMi", spec.Resources.MemoryMB))
	}

	var nodeSelector map[string]string
	if spec.Resources.GPUType != "" {
		nodeSelector = map[string]string{GPUProductLabel: spec.Resources.GPUType}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			ServiceAccountName:            p.serviceAccountName,
			NodeSelector:                  nodeSelector,
			TerminationGracePeriodSeconds: int64Ptr(60),
			Containers: []corev1.Container{
				{
					Name:            "agent",
					Image:           spec.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env:             envVars,
					Resources: corev1.ResourceRequirements{
						Requests: limits.DeepCopy(),
						Limits:   limits,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "job-data", MountPath: "/var/lib/fleet"},
						{Name: "docker-sock", MountPath: "/var/run/docker.sock"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "job-data",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
				{
					Name: "docker-sock",
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: "/var/run/docker.sock"},
					},
				},
			},
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}

	created, err := p.clientset.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// an earlier attempt that timed out may have created it
		return p.adopt(ctx, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create worker pod: %w", err)
	}

	klog.V(2).InfoS("Created worker pod", "pod", created.Name, "worker", spec.WorkerID, "gpus", spec.Resources.GPUCount)
	return created.Name, nil
}

// adopt returns the name of an existing worker pod that is still usable
func (p *Provisioner) adopt(ctx context.Context, name string) (string, error) {
	status, err := p.Status(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to adopt existing worker pod: %w", err)
	}
	if status == provisioner.InstanceStopped {
		return "", fmt.Errorf("worker pod %s already exists and has stopped", name)
	}
	klog.V(2).InfoS("Adopted existing worker pod", "pod", name)
	return name, nil
}

// InstanceFor returns the pod name Start gives workerID
func (p *Provisioner) InstanceFor(workerID string) string {
	return podName(workerID)
}

// Stop deletes the worker pod; a missing pod is already stopped
func (p *Provisioner) Stop(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return nil
	}
	propagationPolicy := metav1.DeletePropagationBackground
	err := p.clientset.CoreV1().Pods(p.namespace).Delete(ctx, instanceID, metav1.DeleteOptions{
		PropagationPolicy: &propagationPolicy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete worker pod: %w", err)
	}
	return nil
}

// Status maps the pod phase to an instance status
func (p *Provisioner) Status(ctx context.Context, instanceID string) (provisioner.InstanceStatus, error) {
	pod, err := p.clientset.CoreV1().Pods(p.namespace).Get(ctx, instanceID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return provisioner.InstanceUnknown, provisioner.ErrInstanceNotFound
	}
	if err != nil {
		return provisioner.InstanceUnknown, fmt.Errorf("failed to get worker pod: %w", err)
	}

	if pod.DeletionTimestamp != nil {
		return provisioner.InstanceStopped, nil
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return provisioner.InstancePending, nil
	case corev1.PodRunning:
		return provisioner.InstanceRunning, nil
	case corev1.PodSucceeded, corev1.PodFailed:
		return provisioner.InstanceStopped, nil
	}
	return provisioner.InstanceUnknown, nil
}

// CountActive returns the number of worker pods not yet finished
func (p *Provisioner) CountActive(ctx context.Context) (int, error) {
	pods, err := p.clientset.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + appLabel,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list worker pods: %w", err)
	}

	active := 0
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
			active++
		}
	}
	return active, nil
}

// Helper functions
func int64Ptr(i int64) *int64 {
	return &i
}

func parseQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		// Return a default value if parsing fails
		return resource.MustParse("0")
	}
	return q
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// Labels set on every pod.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRunID     = "crankfleet.io/run-id"
	LabelRole      = "crankfleet.io/role"
)

// KubeClientFactory returns a clientset for the cluster serving region.
type KubeClientFactory func(region string) (kubernetes.Interface, error)

// KubernetesOptions configures the Kubernetes backend.
type KubernetesOptions struct {
	Namespace string
	NewClient KubeClientFactory
}

// Kubernetes runs each task as a bare pod. Regions map to kubeconfig
// contexts. Handles are namespace/name.
type Kubernetes struct {
	namespace string
	newClient KubeClientFactory

	mu      sync.Mutex
	clients map[string]kubernetes.Interface
}

// NewKubernetes creates a Kubernetes backend in opts.Namespace, or default.
func NewKubernetes(opts KubernetesOptions) *Kubernetes {
	ns := opts.Namespace
	if ns == "" {
		ns = corev1.NamespaceDefault
	}
	return &Kubernetes{namespace: ns, newClient: opts.NewClient, clients: map[string]kubernetes.Interface{}}
}

// NewKubernetesFromEnvironment loads kubeconfig lazily per region context.
func NewKubernetesFromEnvironment(env config.Environment) (*Kubernetes, error) {
	return NewKubernetes(KubernetesOptions{
		Namespace: env.KubeNamespace,
		NewClient: func(region string) (kubernetes.Interface, error) {
			rules := clientcmd.NewDefaultClientConfigLoadingRules()
			if env.Kubeconfig != "" {
				rules.ExplicitPath = env.Kubeconfig
			}
			overrides := &clientcmd.ConfigOverrides{CurrentContext: env.KubeContextFor(region)}
			restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
			if err != nil {
				return nil, fmt.Errorf("failed to load kubeconfig for region %s: %w", region, err)
			}
			return kubernetes.NewForConfig(restConfig)
		},
	}), nil
}

// Name returns the provider name.
func (k *Kubernetes) Name() string { return config.ProviderKubernetes }

// Capabilities reports pod IPs and name-based idempotency.
func (k *Kubernetes) Capabilities() Capabilities {
	return Capabilities{RoutableAddresses: true, IdempotentLaunch: true}
}

func (k *Kubernetes) client(region string) (kubernetes.Interface, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.clients[region]; ok {
		return c, nil
	}
	if k.newClient == nil {
		return nil, errors.New("no Kubernetes client factory configured")
	}
	c, err := k.newClient(region)
	if err != nil {
		return nil, err
	}
	k.clients[region] = c
	return c, nil
}

// Launch creates the pod. A pod that already exists under the same name
// from the same run is adopted.
func (k *Kubernetes) Launch(ctx context.Context, spec fleet.WorkerSpec) (string, error) {
	client, err := k.client(spec.Region)
	if err != nil {
		return "", err
	}
	pods := client.CoreV1().Pods(k.namespace)

	_, err = pods.Create(ctx, k.pod(spec), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := pods.Get(ctx, spec.Name, metav1.GetOptions{})
		if getErr != nil {
			return "", fmt.Errorf("get existing pod %s: %w", spec.Name, getErr)
		}
		if existing.Labels[LabelRunID] != labelValue(spec.RunID) {
			return "", fmt.Errorf("pod %s already exists for another run", spec.Name)
		}
		err = nil
	}
	if err != nil {
		return "", fmt.Errorf("create pod %s: %w", spec.Name, err)
	}
	return k.namespace + "/" + spec.Name, nil
}

func (k *Kubernetes) pod(spec fleet.WorkerSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, key := range spec.EnvKeys() {
		env = append(env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	ports := spec.Ports
	if len(ports) == 0 && spec.ControlPort > 0 {
		ports = []int{spec.ControlPort}
	}
	containerPorts := make([]corev1.ContainerPort, 0, len(ports))
	for _, p := range ports {
		containerPorts = append(containerPorts, corev1.ContainerPort{
			Name:          "p" + strconv.Itoa(p),
			ContainerPort: int32(p),
			Protocol:      corev1.ProtocolTCP,
		})
	}

	requests := corev1.ResourceList{}
	if spec.CPU > 0 {
		requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.CPU*1000), resource.DecimalSI)
	}
	if spec.MemoryMiB > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(spec.MemoryMiB)*1024*1024, resource.BinarySI)
	}

	containerName := spec.Container
	if containerName == "" {
		containerName = string(spec.Role)
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: k.namespace,
			Labels: map[string]string{
				LabelManagedBy: "crankfleet",
				LabelRunID:     labelValue(spec.RunID),
				LabelRole:      string(spec.Role),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyOnFailure,
			Containers: []corev1.Container{{
				Name:      containerName,
				Image:     containerImage(spec),
				Env:       env,
				Ports:     containerPorts,
				Resources: corev1.ResourceRequirements{Requests: requests},
			}},
		},
	}
}

// labelValue trims a run id to the 63 character label limit.
func labelValue(s string) string {
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-_.")
}

// Describe reads each pod. A pod is running once its phase is Running and
// it has been assigned an IP.
func (k *Kubernetes) Describe(ctx context.Context, region string, handles []string) ([]Status, error) {
	client, err := k.client(region)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(handles))
	for _, handle := range handles {
		ns, name, ok := strings.Cut(handle, "/")
		if !ok {
			ns, name = k.namespace, handle
		}
		pod, err := client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			statuses = append(statuses, Status{Handle: handle, Phase: PhaseStopped, Reason: "pod not found"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get pod %s: %w", handle, err)
		}
		statuses = append(statuses, podStatus(handle, pod))
	}
	return statuses, nil
}

func podStatus(handle string, pod *corev1.Pod) Status {
	s := Status{Handle: handle}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		if pod.Status.PodIP == "" {
			s.Phase = PhasePending
			return s
		}
		s.Phase = PhaseRunning
		s.Address = pod.Status.PodIP
	case corev1.PodFailed, corev1.PodSucceeded:
		s.Phase = PhaseStopped
		s.Reason = strings.TrimSpace(pod.Status.Reason + " " + pod.Status.Message)
		if s.Reason == "" {
			s.Reason = "pod " + strings.ToLower(string(pod.Status.Phase))
		}
	default:
		s.Phase = PhasePending
	}
	return s
}

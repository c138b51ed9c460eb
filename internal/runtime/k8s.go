package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/sandbox"
)

const (
	dataVolume   = "data"
	dataMount    = "/mnt/data"
	sandboxUser  = int64(65532)
	podIPTimeout = 60 * time.Second
	pollEvery    = 500 * time.Millisecond
)

// Kubernetes runs sandboxes as pods and one-shot jobs in a single namespace.
type Kubernetes struct {
	client       kubernetes.Interface
	namespace    string
	sidecarImage string
	sidecarPort  int
	maskedPaths  []string
	dnsResolvers []string
}

// NewKubernetes connects to the cluster (in-cluster config when no
// kubeconfig path is set) and verifies it is reachable.
func NewKubernetes(cfg *config.Config) (*Kubernetes, error) {
	var restCfg *rest.Config
	var err error
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	if _, err := client.Discovery().ServerVersion(); err != nil {
		return nil, fmt.Errorf("kubernetes unreachable: %w", err)
	}

	log.Printf("runtime: connected to cluster, namespace %s", cfg.KubeNamespace)
	return newKubernetes(client, cfg), nil
}

// newKubernetes wires an already-constructed clientset; tests pass a fake.
func newKubernetes(client kubernetes.Interface, cfg *config.Config) *Kubernetes {
	return &Kubernetes{
		client:       client,
		namespace:    cfg.KubeNamespace,
		sidecarImage: cfg.SidecarImage,
		sidecarPort:  cfg.SidecarPort,
		maskedPaths:  cfg.MaskedPaths,
		dnsResolvers: cfg.DNSResolvers,
	}
}

func (k *Kubernetes) Available() bool {
	return k != nil && k.client != nil
}

// CreateSandbox submits the pod and waits for the scheduler to hand it an
// IP. Sidecar readiness is polled separately by the caller.
func (k *Kubernetes) CreateSandbox(ctx context.Context, spec SandboxSpec) (*sandbox.Handle, error) {
	pod, err := k.buildPod(spec)
	if err != nil {
		return nil, err
	}

	created, err := k.client.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create pod %s: %w", spec.Name, err)
	}

	running, err := k.waitPodIP(ctx, created.Name)
	if err != nil {
		// Leave no half-created pod behind.
		_ = k.DeleteSandbox(context.WithoutCancel(ctx), created.Name)
		return nil, err
	}

	return &sandbox.Handle{
		UID:       string(running.UID),
		Name:      running.Name,
		Namespace: k.namespace,
		Language:  spec.Language,
		Host:      running.Status.PodIP,
		Port:      k.sidecarPort,
		Status:    sandbox.StatusPending,
		CreatedAt: time.Now().UTC(),
		Labels:    running.Labels,
	}, nil
}

func (k *Kubernetes) DeleteSandbox(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := k.client.CoreV1().Pods(k.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

// CreateJob wraps the sandbox pod in a one-shot Job: no retries, an
// absolute deadline, and a post-completion TTL so orphans self-clean.
func (k *Kubernetes) CreateJob(ctx context.Context, spec JobSpec) error {
	pod, err := k.buildPod(spec.SandboxSpec)
	if err != nil {
		return err
	}

	backoff := int32(0)
	ttl := int32(spec.TTLSeconds)
	deadline := int64(spec.DeadlineSeconds)
	job := &batchv1.Job{
		ObjectMeta: pod.ObjectMeta,
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: pod.Labels},
				Spec:       pod.Spec,
			},
		},
	}

	if _, err := k.client.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create job %s: %w", spec.Name, err)
	}
	return nil
}

// WaitJobPod waits for the job's pod to get an IP and returns its handle.
func (k *Kubernetes) WaitJobPod(ctx context.Context, jobName string) (*sandbox.Handle, error) {
	var found *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, pollEvery, podIPTimeout, true, func(ctx context.Context) (bool, error) {
		pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + jobName,
		})
		if err != nil {
			return false, nil
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Status.Phase == corev1.PodFailed {
				return false, fmt.Errorf("job %s: pod failed to start", jobName)
			}
			if pod.Status.PodIP != "" {
				found = pod
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	lang := found.Labels["execbox.io/language"]
	return &sandbox.Handle{
		UID:       string(found.UID),
		Name:      found.Name,
		Namespace: k.namespace,
		Language:  lang,
		Host:      found.Status.PodIP,
		Port:      k.sidecarPort,
		Status:    sandbox.StatusPending,
		CreatedAt: time.Now().UTC(),
		Labels:    found.Labels,
	}, nil
}

func (k *Kubernetes) DeleteJob(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := k.client.BatchV1().Jobs(k.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	return nil
}

func (k *Kubernetes) waitPodIP(ctx context.Context, name string) (*corev1.Pod, error) {
	var running *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, pollEvery, podIPTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := k.client.CoreV1().Pods(k.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return false, fmt.Errorf("pod %s failed to start", name)
		}
		if pod.Status.PodIP != "" {
			running = pod
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return running, nil
}

// buildPod assembles the hardened two-container pod: the language runtime
// and the sidecar share the process namespace and a size-bounded emptyDir
// at /mnt/data. Everything runs as an unprivileged user with all
// capabilities dropped; the sidecar keeps SYS_PTRACE so it can supervise
// interpreter processes.
func (k *Kubernetes) buildPod(spec SandboxSpec) (*corev1.Pod, error) {
	runtimeRes, err := buildResources(spec.Lang.CPURequest, spec.Lang.MemoryRequest, spec.Lang.CPULimit, spec.Lang.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("language %s resources: %w", spec.Language, err)
	}
	sidecarRes, err := buildResources("50m", "64Mi", spec.Lang.SidecarCPULimit, spec.Lang.SidecarMemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("sidecar resources: %w", err)
	}

	volumeSize, err := resource.ParseQuantity(fmt.Sprintf("%dMi", spec.Lang.VolumeSizeMB))
	if err != nil {
		return nil, fmt.Errorf("volume size: %w", err)
	}

	labels := map[string]string{
		"app":                 "execbox-sandbox",
		"execbox.io/language": spec.Language,
	}
	if !spec.Lang.NetworkEnabled {
		// Matched by the deny-egress NetworkPolicy shipped with the chart.
		labels["execbox.io/egress"] = "denied"
	}
	for key, value := range spec.Labels {
		labels[key] = value
	}

	seccomp := &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
	if spec.Lang.SeccompProfile != "" {
		profile := spec.Lang.SeccompProfile
		seccomp = &corev1.SeccompProfile{
			Type:             corev1.SeccompProfileTypeLocalhost,
			LocalhostProfile: &profile,
		}
	}

	shareProcess := true
	nonRoot := true
	noEscalation := false
	user := sandboxUser
	noToken := false
	noLinks := false

	pullPolicy := corev1.PullIfNotPresent
	if spec.Lang.ImagePullPolicy != "" {
		pullPolicy = corev1.PullPolicy(spec.Lang.ImagePullPolicy)
	}

	dataVolumeMount := corev1.VolumeMount{Name: dataVolume, MountPath: dataMount}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			ShareProcessNamespace:        &shareProcess,
			AutomountServiceAccountToken: &noToken,
			EnableServiceLinks:           &noLinks,
			Hostname:                     "sandbox",
			DNSPolicy:                    corev1.DNSNone,
			DNSConfig: &corev1.PodDNSConfig{
				Nameservers: k.dnsResolvers,
			},
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot:   &nonRoot,
				RunAsUser:      &user,
				RunAsGroup:     &user,
				FSGroup:        &user,
				SeccompProfile: seccomp,
			},
			Volumes: []corev1.Volume{{
				Name: dataVolume,
				VolumeSource: corev1.VolumeSource{
					EmptyDir: &corev1.EmptyDirVolumeSource{SizeLimit: &volumeSize},
				},
			}},
			Containers: []corev1.Container{
				{
					Name:            "runtime",
					Image:           spec.Lang.Image,
					ImagePullPolicy: pullPolicy,
					Resources:       runtimeRes,
					VolumeMounts:    []corev1.VolumeMount{dataVolumeMount},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noEscalation,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
						},
					},
				},
				{
					Name:            "sidecar",
					Image:           k.sidecarImage,
					ImagePullPolicy: pullPolicy,
					Resources:       sidecarRes,
					VolumeMounts:    []corev1.VolumeMount{dataVolumeMount},
					Ports: []corev1.ContainerPort{{
						Name:          "http",
						ContainerPort: int32(k.sidecarPort),
					}},
					Env: []corev1.EnvVar{
						{Name: "SIDECAR_PORT", Value: fmt.Sprintf("%d", k.sidecarPort)},
						{Name: "SIDECAR_LANGUAGE", Value: spec.Language},
						{Name: "SIDECAR_MASKED_PATHS", Value: strings.Join(k.maskedPaths, ",")},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/ready",
								Port: intstrFromInt(k.sidecarPort),
							},
						},
						PeriodSeconds:    2,
						FailureThreshold: 30,
					},
					LivenessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/health",
								Port: intstrFromInt(k.sidecarPort),
							},
						},
						PeriodSeconds:    10,
						FailureThreshold: 3,
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noEscalation,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
							Add:  []corev1.Capability{"SYS_PTRACE"},
						},
					},
				},
			},
		},
	}
	return pod, nil
}

func intstrFromInt(port int) intstr.IntOrString {
	return intstr.FromInt32(int32(port))
}

func buildResources(cpuReq, memReq, cpuLim, memLim string) (corev1.ResourceRequirements, error) {
	out := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	for _, q := range []struct {
		list corev1.ResourceList
		name corev1.ResourceName
		val  string
	}{
		{out.Requests, corev1.ResourceCPU, cpuReq},
		{out.Requests, corev1.ResourceMemory, memReq},
		{out.Limits, corev1.ResourceCPU, cpuLim},
		{out.Limits, corev1.ResourceMemory, memLim},
	} {
		if q.val == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.val)
		if err != nil {
			return out, fmt.Errorf("quantity %q: %w", q.val, err)
		}
		q.list[q.name] = parsed
	}
	return out, nil
}

package runtime

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/execbox/execbox/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		KubeNamespace: "execbox",
		SidecarImage:  "execbox/sidecar:test",
		SidecarPort:   8080,
		MaskedPaths:   []string{"/proc/version", "/etc/machine-id"},
		DNSResolvers:  []string{"1.1.1.1", "8.8.8.8"},
	}
}

func pythonLang() config.LanguageConfig {
	langs := config.DefaultLanguages()
	return langs["py"]
}

// schedulingClient returns a fake clientset that assigns an IP to every
// created pod, standing in for the scheduler.
func schedulingClient(ip string) *fake.Clientset {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodRunning
		pod.Status.PodIP = ip
		return false, nil, nil
	})
	return client
}

func TestCreateSandboxReturnsHandle(t *testing.T) {
	client := schedulingClient("10.0.0.5")
	k := newKubernetes(client, testConfig())

	h, err := k.CreateSandbox(context.Background(), SandboxSpec{
		Name:     "pool-py-0a1b2c3d",
		Language: "py",
		Lang:     pythonLang(),
	})
	if err != nil {
		t.Fatalf("CreateSandbox() error: %v", err)
	}
	if h.Host != "10.0.0.5" || h.Port != 8080 {
		t.Fatalf("unexpected endpoint %s", h.Endpoint())
	}
	if h.Name != "pool-py-0a1b2c3d" || h.Language != "py" || h.Namespace != "execbox" {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestCreateSandboxFailedPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = corev1.PodFailed
		return false, nil, nil
	})
	k := newKubernetes(client, testConfig())

	_, err := k.CreateSandbox(context.Background(), SandboxSpec{
		Name:     "pool-py-deadbeef",
		Language: "py",
		Lang:     pythonLang(),
	})
	if err == nil {
		t.Fatal("CreateSandbox() should fail for a failed pod")
	}

	// The failed pod must not be left behind.
	pods, _ := client.CoreV1().Pods("execbox").List(context.Background(), metav1.ListOptions{})
	if len(pods.Items) != 0 {
		t.Fatalf("expected failed pod to be deleted, found %d pods", len(pods.Items))
	}
}

func TestPodHardening(t *testing.T) {
	k := newKubernetes(fake.NewSimpleClientset(), testConfig())

	lang := pythonLang()
	pod, err := k.buildPod(SandboxSpec{Name: "pool-py-aaaa1111", Language: "py", Lang: lang})
	if err != nil {
		t.Fatalf("buildPod() error: %v", err)
	}

	if pod.Spec.ShareProcessNamespace == nil || !*pod.Spec.ShareProcessNamespace {
		t.Error("pod must share the process namespace")
	}
	if pod.Spec.Hostname != "sandbox" {
		t.Errorf("hostname = %q, want sandbox", pod.Spec.Hostname)
	}
	if pod.Spec.DNSPolicy != corev1.DNSNone || len(pod.Spec.DNSConfig.Nameservers) != 2 {
		t.Error("pod must pin public resolvers with DNSPolicy None")
	}
	sc := pod.Spec.SecurityContext
	if sc.RunAsNonRoot == nil || !*sc.RunAsNonRoot || *sc.RunAsUser != 65532 {
		t.Error("pod must run as the unprivileged sandbox user")
	}
	if sc.SeccompProfile.Type != corev1.SeccompProfileTypeRuntimeDefault {
		t.Errorf("seccomp = %v, want RuntimeDefault", sc.SeccompProfile.Type)
	}
	if pod.Spec.AutomountServiceAccountToken == nil || *pod.Spec.AutomountServiceAccountToken {
		t.Error("service account token must not be mounted")
	}

	if len(pod.Spec.Containers) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(pod.Spec.Containers))
	}
	rt, side := pod.Spec.Containers[0], pod.Spec.Containers[1]
	for _, c := range []corev1.Container{rt, side} {
		if c.SecurityContext.Capabilities.Drop[0] != "ALL" {
			t.Errorf("container %s must drop all capabilities", c.Name)
		}
		if len(c.VolumeMounts) != 1 || c.VolumeMounts[0].MountPath != "/mnt/data" {
			t.Errorf("container %s must mount the data volume at /mnt/data", c.Name)
		}
	}
	if len(rt.SecurityContext.Capabilities.Add) != 0 {
		t.Error("runtime container must not add capabilities")
	}
	if len(side.SecurityContext.Capabilities.Add) != 1 || side.SecurityContext.Capabilities.Add[0] != "SYS_PTRACE" {
		t.Error("sidecar must add exactly SYS_PTRACE")
	}

	// Default language config caps the data volume at 512Mi.
	size := pod.Spec.Volumes[0].EmptyDir.SizeLimit
	if size.String() != "512Mi" {
		t.Errorf("volume size = %s, want 512Mi", size)
	}

	// Network disabled by default, so the deny-egress label is present.
	if !lang.NetworkEnabled && pod.Labels["execbox.io/egress"] != "denied" {
		t.Error("network-disabled sandbox must carry the deny-egress label")
	}
}

func TestCreateJobSpec(t *testing.T) {
	client := fake.NewSimpleClientset()
	k := newKubernetes(client, testConfig())

	err := k.CreateJob(context.Background(), JobSpec{
		SandboxSpec:     SandboxSpec{Name: "exec-go-sess12345678-0a1b2c3d", Language: "go", Lang: pythonLang()},
		TTLSeconds:      60,
		DeadlineSeconds: 300,
	})
	if err != nil {
		t.Fatalf("CreateJob() error: %v", err)
	}

	job, err := client.BatchV1().Jobs("execbox").Get(context.Background(), "exec-go-sess12345678-0a1b2c3d", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("job not created: %v", err)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("BackoffLimit = %d, want 0", *job.Spec.BackoffLimit)
	}
	if *job.Spec.TTLSecondsAfterFinished != 60 {
		t.Errorf("TTLSecondsAfterFinished = %d, want 60", *job.Spec.TTLSecondsAfterFinished)
	}
	if *job.Spec.ActiveDeadlineSeconds != 300 {
		t.Errorf("ActiveDeadlineSeconds = %d, want 300", *job.Spec.ActiveDeadlineSeconds)
	}
	if job.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Error("job pods must never restart")
	}
}

func TestWaitJobPod(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "exec-go-sess12345678-0a1b2c3d-xyz",
			Namespace: "execbox",
			Labels: map[string]string{
				"job-name":            "exec-go-sess12345678-0a1b2c3d",
				"execbox.io/language": "go",
			},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.0.0.9"},
	})
	k := newKubernetes(client, testConfig())

	h, err := k.WaitJobPod(context.Background(), "exec-go-sess12345678-0a1b2c3d")
	if err != nil {
		t.Fatalf("WaitJobPod() error: %v", err)
	}
	if h.Host != "10.0.0.9" || h.Language != "go" {
		t.Fatalf("unexpected handle %+v", h)
	}
}

func TestWaitJobPodFailed(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "exec-rb-sess12345678-0a1b2c3d-xyz",
			Namespace: "execbox",
			Labels:    map[string]string{"job-name": "exec-rb-sess12345678-0a1b2c3d"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodFailed},
	})
	k := newKubernetes(client, testConfig())

	if _, err := k.WaitJobPod(context.Background(), "exec-rb-sess12345678-0a1b2c3d"); err == nil {
		t.Fatal("WaitJobPod() should fail when the job pod failed")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	k := newKubernetes(fake.NewSimpleClientset(), testConfig())

	if err := k.DeleteSandbox(context.Background(), "no-such-pod"); err != nil {
		t.Fatalf("DeleteSandbox() of absent pod should be nil, got %v", err)
	}
	if err := k.DeleteJob(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("DeleteJob() of absent job should be nil, got %v", err)
	}
}

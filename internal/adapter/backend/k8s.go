package backend

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/svmbench/platform/internal/config"
	"github.com/svmbench/platform/internal/domain"
)

// K8sBackend runs one Job in its own namespace per svmbench job, isolating
// it with a default-deny-except-allowlist NetworkPolicy so the worker can
// reach the internet and the platform's own sidecars but nothing internal.
type K8sBackend struct {
	client          kubernetes.Interface
	managedBy       string
	imagePullPolicy corev1.PullPolicy
	egressExcept    []string
	cfg             config.Config
	maxAge          int64
}

// NewK8sBackend builds a Kubernetes client using either the local
// kubeconfig or in-cluster service account credentials, selected by
// K8S_AUTH_METHOD.
func NewK8sBackend(cfg config.Config) (*K8sBackend, error) {
	var restCfg *rest.Config
	var err error
	switch cfg.K8sAuthMethod {
	case "incluster":
		restCfg, err = rest.InClusterConfig()
	case "kubeconfig", "":
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{},
		).ClientConfig()
	default:
		return nil, fmt.Errorf("op=backend.NewK8sBackend: unknown auth_method %q", cfg.K8sAuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("op=backend.NewK8sBackend: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("op=backend.NewK8sBackend: %w", err)
	}

	pullPolicy := corev1.PullAlways
	if cfg.K8sImagePullPolicy != "" {
		pullPolicy = corev1.PullPolicy(cfg.K8sImagePullPolicy)
	}

	var egressExcept []string
	if cfg.K8sEgressExceptCIDRs != "" {
		egressExcept = strings.Split(cfg.K8sEgressExceptCIDRs, ",")
	}

	return &K8sBackend{
		client:          clientset,
		managedBy:       cfg.InstancerManagerName,
		imagePullPolicy: pullPolicy,
		egressExcept:    egressExcept,
		cfg:             cfg,
		maxAge:          int64(cfg.ReaperMaxContainerAge.Seconds()),
	}, nil
}

func namespaceName(jobID string) string { return fmt.Sprintf("svmbench-job-%s", jobID) }

// waitNamespaceGone polls until the named namespace no longer exists or ctx
// is cancelled.
func (b *K8sBackend) waitNamespaceGone(ctx domain.Context, name string) error {
	for {
		_, err := b.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// StartWorker creates a fresh namespace with an egress-restricting
// NetworkPolicy and a single-attempt, non-restarting batch Job running the
// worker image.
func (b *K8sBackend) StartWorker(ctx domain.Context, opts domain.StartWorkerOptions) (domain.WorkerHandle, error) {
	ns := namespaceName(opts.JobID)
	labels := map[string]string{LabelManagedBy: b.managedBy, LabelJobID: opts.JobID}

	if _, err := b.client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{}); err == nil {
		if err := b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.delete_stale: %w", err)
		}
		// Namespace deletion is asynchronous (Terminating phase); creating a
		// same-named namespace before it is gone fails, so block until the
		// old one disappears.
		if err := b.waitNamespaceGone(ctx, ns); err != nil {
			return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.wait_stale: %w", err)
		}
	} else if !apierrors.IsNotFound(err) {
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.get: %w", err)
	}

	if _, err := b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: labels},
	}, metav1.CreateOptions{}); err != nil {
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.create_ns: %w", err)
	}

	if _, err := b.client.NetworkingV1().NetworkPolicies(ns).Create(ctx, b.egressPolicy(), metav1.CreateOptions{}); err != nil {
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.netpol: %w", err)
	}

	env := workerEnv(b.cfg, opts)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	backoffLimit := int32(0)
	automount := false
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: workerName(opts.JobID), Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: &automount,
					RestartPolicy:                corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "svmbench-worker",
							Image:           b.cfg.InstancerWorkerImage,
							ImagePullPolicy: b.imagePullPolicy,
							Env:             envVars,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: mustQuantity("512Mi"),
									corev1.ResourceCPU:    mustQuantity("250m"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceMemory: mustQuantity("1Gi"),
									corev1.ResourceCPU:    mustQuantity("1"),
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := b.client.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return domain.WorkerHandle{}, fmt.Errorf("op=backend.K8sBackend.StartWorker.create_job: %w", err)
	}

	return domain.WorkerHandle{ID: ns}, nil
}

// egressPolicy denies all egress except DNS, the internet (less the
// operator's excluded CIDRs), and the platform's own sidecars.
func (b *K8sBackend) egressPolicy() *networkingv1.NetworkPolicy {
	except := b.egressExcept
	port53 := intstrFromInt(53)
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "block-internal-egress"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: except}},
					},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{
						{
							PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"k8s-app": "kube-dns"}},
							NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}},
						},
					},
					Ports: []networkingv1.NetworkPolicyPort{{Port: &port53, Protocol: &udp}},
				},
				sidecarEgressRule("secretsvc", "svmbench", 8081, &tcp),
				sidecarEgressRule("resultsvc", "svmbench", 8083, &tcp),
				sidecarEgressRule("oaiproxy", "svmbench", 8084, &tcp),
			},
		},
	}
}

func sidecarEgressRule(app, namespace string, port int32, proto *corev1.Protocol) networkingv1.NetworkPolicyEgressRule {
	p := intstrFromInt(int(port))
	return networkingv1.NetworkPolicyEgressRule{
		To: []networkingv1.NetworkPolicyPeer{
			{
				PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"app": app}},
				NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": namespace}},
			},
		},
		Ports: []networkingv1.NetworkPolicyPort{{Port: &p, Protocol: proto}},
	}
}

// RunningWorkers sums the active pod count across every managed batch Job.
func (b *K8sBackend) RunningWorkers(ctx domain.Context) (int, error) {
	jobs, err := b.client.BatchV1().Jobs(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelManagedBy, b.managedBy),
	})
	if err != nil {
		return 0, fmt.Errorf("op=backend.K8sBackend.RunningWorkers: %w", err)
	}
	total := 0
	for _, j := range jobs.Items {
		total += int(j.Status.Active)
	}
	return total, nil
}

// WorkerExists reports whether the job's namespace is still present.
func (b *K8sBackend) WorkerExists(ctx domain.Context, jobID string) (bool, error) {
	_, err := b.client.CoreV1().Namespaces().Get(ctx, namespaceName(jobID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=backend.K8sBackend.WorkerExists: %w", err)
	}
	return true, nil
}

// DefaultMaxConcurrency is unbounded for Kubernetes: the cluster scheduler
// is the resource authority.
func (b *K8sBackend) DefaultMaxConcurrency() *int { return nil }

// Sweep removes namespaces whose job exceeded the max age (failing it as
// timed out), removes namespaces whose job never appeared (failing it as
// lost), removes namespaces whose job finished (failing it as crashed if
// any pod failed), and returns the set of job ids still actively running
// so the reaper can detect jobs lost outside this backend's view entirely.
func (b *K8sBackend) Sweep(ctx domain.Context, reaper domain.ReaperActions) (map[string]bool, error) {
	namespaces, err := b.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelManagedBy, b.managedBy),
	})
	if err != nil {
		return nil, fmt.Errorf("op=backend.K8sBackend.Sweep: %w", err)
	}

	observed := make(map[string]bool)
	now := time.Now().UTC()

	for _, ns := range namespaces.Items {
		jobID := ns.Labels[LabelJobID]
		createdAt := ns.CreationTimestamp.Time

		if b.maxAge > 0 && now.Sub(createdAt) > time.Duration(b.maxAge)*time.Second {
			b.deleteNamespace(ctx, ns.Name)
			if err := reaper.FailTimeout(ctx, jobID); err != nil {
				slog.Warn("failed to mark job timed out", slog.String("job_id", jobID), slog.Any("error", err))
			}
			continue
		}

		jobs, err := b.client.BatchV1().Jobs(ns.Name).List(ctx, metav1.ListOptions{})
		if err != nil {
			slog.Warn("failed to list jobs in namespace", slog.String("namespace", ns.Name), slog.Any("error", err))
			continue
		}

		if len(jobs.Items) == 0 {
			if now.Sub(createdAt) > 30*time.Second {
				b.deleteNamespace(ctx, ns.Name)
				if err := reaper.FailLost(ctx, jobID); err != nil {
					slog.Warn("failed to mark job lost", slog.String("job_id", jobID), slog.Any("error", err))
				}
			}
			continue
		}

		active, finished, failed := classifyJobs(jobs.Items)
		if active || !finished {
			observed[jobID] = true
			continue
		}

		if failed {
			if err := reaper.FailCrashed(ctx, jobID); err != nil {
				slog.Warn("failed to mark job crashed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
		b.deleteNamespace(ctx, ns.Name)
	}

	return observed, nil
}

func classifyJobs(jobs []batchv1.Job) (active, finished, failed bool) {
	finished = true
	for _, j := range jobs {
		if j.Status.Active > 0 {
			active = true
		}
		if j.Status.Succeeded == 0 && j.Status.Failed == 0 {
			finished = false
		}
		if j.Status.Failed > 0 {
			failed = true
		}
	}
	return active, finished, failed
}

func (b *K8sBackend) deleteNamespace(ctx domain.Context, name string) {
	slog.Info("removing job namespace", slog.String("namespace", name))
	if err := b.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		slog.Warn("failed to delete namespace", slog.String("namespace", name), slog.Any("error", err))
	}
}

var _ domain.Backend = (*K8sBackend)(nil)

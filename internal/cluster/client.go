// Package cluster wraps the typed Kubernetes clientset for the control
// plane's workload operations: create/read/patch/delete Deployments,
// Services, Jobs, CronJobs, ConfigMaps, Secrets, Nodes, and PVCs. Every
// call is idempotent on 404/409 as the error handling design requires,
// and is protected by a circuit breaker so a degraded API server surfaces
// as a fast Transient error instead of hanging every caller.
package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sony/gobreaker"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/falcon-eye/falcon-eye/internal/apperrors"
	"github.com/falcon-eye/falcon-eye/internal/logger"
)

// Client wraps a Kubernetes clientset scoped to one namespace, with a
// read breaker and a write breaker guarding outbound calls.
type Client struct {
	clientset kubernetes.Interface
	namespace string

	reads  *gobreaker.CircuitBreaker
	writes *gobreaker.CircuitBreaker
}

// New builds a Client from in-cluster config, falling back to
// kubeconfigPath (or $KUBECONFIG / ~/.kube/config) outside the cluster.
func New(kubeconfigPath, namespace string) (*Client, error) {
	cfg, err := restConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &Client{
		clientset: clientset,
		namespace: namespace,
		reads:     newBreaker("cluster-reads"),
		writes:    newBreaker("cluster-writes"),
	}, nil
}

// NewFromClientset wires a Client around an existing clientset, used by
// tests with k8s.io/client-go/kubernetes/fake.
func NewFromClientset(cs kubernetes.Interface, namespace string) *Client {
	return &Client{clientset: cs, namespace: namespace, reads: newBreaker("cluster-reads"), writes: newBreaker("cluster-writes")}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	log := logger.Kubernetes()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

func restConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	if kubeconfigPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// Namespace returns the namespace this client operates in.
func (c *Client) Namespace() string { return c.namespace }

// Clientset exposes the raw clientset for operations not wrapped here
// (the status reconciler's pod listing, for instance).
func (c *Client) Clientset() kubernetes.Interface { return c.clientset }

func viaReadBreaker[T any](c *Client, fn func() (T, error)) (T, error) {
	result, err := c.reads.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, apperrors.Transient("", "kubernetes api is degraded")
		}
		return zero, err
	}
	return result.(T), nil
}

func viaWriteBreaker[T any](c *Client, fn func() (T, error)) (T, error) {
	result, err := c.writes.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, apperrors.Transient("", "kubernetes api is degraded")
		}
		return zero, err
	}
	return result.(T), nil
}

// ApplyDeployment creates dep, or replaces it (preserving the cluster's
// resourceVersion) if it already exists.
func (c *Client) ApplyDeployment(ctx context.Context, dep *appsv1.Deployment) (*appsv1.Deployment, error) {
	return viaWriteBreaker(c, func() (*appsv1.Deployment, error) {
		client := c.clientset.AppsV1().Deployments(c.namespace)
		created, err := client.Create(ctx, dep, metav1.CreateOptions{})
		if err == nil {
			return created, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return nil, apperrors.ClusterError(err)
		}
		existing, getErr := client.Get(ctx, dep.Name, metav1.GetOptions{})
		if getErr != nil {
			return nil, apperrors.ClusterError(getErr)
		}
		dep.ResourceVersion = existing.ResourceVersion
		replaced, replaceErr := client.Update(ctx, dep, metav1.UpdateOptions{})
		if replaceErr != nil {
			return nil, apperrors.ClusterError(replaceErr)
		}
		return replaced, nil
	})
}

// ApplyService creates svc, or replaces it if it already exists.
func (c *Client) ApplyService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	return viaWriteBreaker(c, func() (*corev1.Service, error) {
		client := c.clientset.CoreV1().Services(c.namespace)
		created, err := client.Create(ctx, svc, metav1.CreateOptions{})
		if err == nil {
			return created, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return nil, apperrors.ClusterError(err)
		}
		existing, getErr := client.Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return nil, apperrors.ClusterError(getErr)
		}
		svc.ResourceVersion = existing.ResourceVersion
		svc.Spec.ClusterIP = existing.Spec.ClusterIP
		replaced, replaceErr := client.Update(ctx, svc, metav1.UpdateOptions{})
		if replaceErr != nil {
			return nil, apperrors.ClusterError(replaceErr)
		}
		return replaced, nil
	})
}

// EnsureCronJob creates cj, or patches its schedule and Job template if a
// CronJob with that name already exists.
func (c *Client) EnsureCronJob(ctx context.Context, cj *batchv1.CronJob) (*batchv1.CronJob, error) {
	return viaWriteBreaker(c, func() (*batchv1.CronJob, error) {
		client := c.clientset.BatchV1().CronJobs(c.namespace)
		created, err := client.Create(ctx, cj, metav1.CreateOptions{})
		if err == nil {
			return created, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return nil, apperrors.ClusterError(err)
		}
		existing, getErr := client.Get(ctx, cj.Name, metav1.GetOptions{})
		if getErr != nil {
			return nil, apperrors.ClusterError(getErr)
		}
		existing.Spec.Schedule = cj.Spec.Schedule
		existing.Spec.JobTemplate = cj.Spec.JobTemplate
		updated, updateErr := client.Update(ctx, existing, metav1.UpdateOptions{})
		if updateErr != nil {
			return nil, apperrors.ClusterError(updateErr)
		}
		return updated, nil
	})
}

// CreateJob creates a one-shot Job (used by the cron-runner and by
// spawn_agent/delegate_task task dispatch).
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return viaWriteBreaker(c, func() (*batchv1.Job, error) {
		created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
		if err != nil {
			return nil, apperrors.ClusterError(err)
		}
		return created, nil
	})
}

// CreateOrReplaceSecret creates secret, or replaces its Data if it
// already exists, used to push ANTHROPIC_API_KEY/OPENAI_API_KEY.
func (c *Client) CreateOrReplaceSecret(ctx context.Context, secret *corev1.Secret) error {
	_, err := viaWriteBreaker(c, func() (struct{}, error) {
		client := c.clientset.CoreV1().Secrets(c.namespace)
		_, err := client.Create(ctx, secret, metav1.CreateOptions{})
		if err == nil {
			return struct{}{}, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return struct{}{}, apperrors.ClusterError(err)
		}
		existing, getErr := client.Get(ctx, secret.Name, metav1.GetOptions{})
		if getErr != nil {
			return struct{}{}, apperrors.ClusterError(getErr)
		}
		existing.Data = secret.Data
		_, updateErr := client.Update(ctx, existing, metav1.UpdateOptions{})
		if updateErr != nil {
			return struct{}{}, apperrors.ClusterError(updateErr)
		}
		return struct{}{}, nil
	})
	return err
}

// ReadConfigMap reads the named ConfigMap's data.
func (c *Client) ReadConfigMap(ctx context.Context, name string) (map[string]string, error) {
	return viaReadBreaker(c, func() (map[string]string, error) {
		cm, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil, apperrors.NotFound("configmap", name)
		}
		if err != nil {
			return nil, apperrors.ClusterError(err)
		}
		return cm.Data, nil
	})
}

// PatchConfigMap merges patch into the named ConfigMap's data, creating
// it if absent.
func (c *Client) PatchConfigMap(ctx context.Context, name string, patch map[string]string) error {
	_, err := viaWriteBreaker(c, func() (struct{}, error) {
		client := c.clientset.CoreV1().ConfigMaps(c.namespace)
		cm, err := client.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace},
				Data:       map[string]string{},
			}
			for k, v := range patch {
				cm.Data[k] = v
			}
			if _, createErr := client.Create(ctx, cm, metav1.CreateOptions{}); createErr != nil {
				return struct{}{}, apperrors.ClusterError(createErr)
			}
			return struct{}{}, nil
		}
		if err != nil {
			return struct{}{}, apperrors.ClusterError(err)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		for k, v := range patch {
			cm.Data[k] = v
		}
		if _, updateErr := client.Update(ctx, cm, metav1.UpdateOptions{}); updateErr != nil {
			return struct{}{}, apperrors.ClusterError(updateErr)
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteByName deletes one Deployment, Service, CronJob, or Job (selected
// by kind) by exact name. Not-found is swallowed as success per the error
// design.
func (c *Client) DeleteByName(ctx context.Context, kind, name string) error {
	_, err := viaWriteBreaker(c, func() (struct{}, error) {
		var err error
		switch kind {
		case "deployment":
			err = c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		case "service":
			err = c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		case "cronjob":
			err = c.clientset.BatchV1().CronJobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		case "job":
			err = c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		default:
			return struct{}{}, fmt.Errorf("unknown workload kind %q", kind)
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return struct{}{}, apperrors.ClusterError(err)
		}
		return struct{}{}, nil
	})
	return err
}

// DeleteByLabels deletes every Deployment and Service matching selector,
// used by Stop/Delete (camera-id=ID, recorder-for=ID) and the Sweeper.
func (c *Client) DeleteByLabels(ctx context.Context, selector string) error {
	_, err := viaWriteBreaker(c, func() (struct{}, error) {
		opts := metav1.ListOptions{LabelSelector: selector}
		deps, err := c.clientset.AppsV1().Deployments(c.namespace).List(ctx, opts)
		if err != nil {
			return struct{}{}, apperrors.ClusterError(err)
		}
		for _, d := range deps.Items {
			if delErr := c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, d.Name, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
				return struct{}{}, apperrors.ClusterError(delErr)
			}
		}
		svcs, err := c.clientset.CoreV1().Services(c.namespace).List(ctx, opts)
		if err != nil {
			return struct{}{}, apperrors.ClusterError(err)
		}
		for _, s := range svcs.Items {
			if delErr := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, s.Name, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
				return struct{}{}, apperrors.ClusterError(delErr)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// ListWorkloadsByLabel returns every Deployment and Service matching
// selector, the Sweeper's input for deciding orphans.
func (c *Client) ListWorkloadsByLabel(ctx context.Context, selector string) ([]appsv1.Deployment, []corev1.Service, error) {
	opts := metav1.ListOptions{LabelSelector: selector}
	deps, err := viaReadBreaker(c, func() (*appsv1.DeploymentList, error) {
		return c.clientset.AppsV1().Deployments(c.namespace).List(ctx, opts)
	})
	if err != nil {
		return nil, nil, apperrors.ClusterError(err)
	}
	svcs, err := viaReadBreaker(c, func() (*corev1.ServiceList, error) {
		return c.clientset.CoreV1().Services(c.namespace).List(ctx, opts)
	})
	if err != nil {
		return nil, nil, apperrors.ClusterError(err)
	}
	return deps.Items, svcs.Items, nil
}

// ListCronJobsByLabel returns every CronJob matching selector, used by
// the Sweeper's CronJob-orphan pass (Open Questions decision #2).
func (c *Client) ListCronJobsByLabel(ctx context.Context, selector string) ([]batchv1.CronJob, error) {
	list, err := viaReadBreaker(c, func() (*batchv1.CronJobList, error) {
		return c.clientset.BatchV1().CronJobs(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	})
	if err != nil {
		return nil, apperrors.ClusterError(err)
	}
	return list.Items, nil
}

// GetPodStatusForSelector returns the pods matching selector in the order
// the API server lists them; no sorting is applied. Callers pick the
// first Item.
func (c *Client) GetPodStatusForSelector(ctx context.Context, selector string) ([]corev1.Pod, error) {
	list, err := viaReadBreaker(c, func() (*corev1.PodList, error) {
		return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	})
	if err != nil {
		return nil, apperrors.ClusterError(err)
	}
	return list.Items, nil
}

// GetService looks up a ClusterIP Service by name, used by the stream
// proxy and the recording supervisor to resolve an internal URL.
func (c *Client) GetService(ctx context.Context, name string) (*corev1.Service, error) {
	return viaReadBreaker(c, func() (*corev1.Service, error) {
		svc, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil, apperrors.NotFound("service", name)
		}
		if err != nil {
			return nil, apperrors.ClusterError(err)
		}
		return svc, nil
	})
}

// ReadNodes lists every Node in the cluster.
func (c *Client) ReadNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := viaReadBreaker(c, func() (*corev1.NodeList, error) {
		return c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	})
	if err != nil {
		return nil, apperrors.ClusterError(err)
	}
	return list.Items, nil
}

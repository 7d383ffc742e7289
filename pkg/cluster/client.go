package cluster

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Cluster operation names, used in spans, metrics and errors.
const (
	opApplyPod  = "apply_pod"
	opDeletePod = "delete_pod"
	opListNodes = "list_nodes"
	opListPods  = "list_pods"
	opWatch     = "watch"
	opPing      = "ping"
)

// fieldManager identifies this process in managed fields.
const fieldManager = "cubeharvest"

// Client is the cluster boundary: pod create/delete with retry, and node and
// pod list/watch with resubscription.
type Client struct {
	cs  kubernetes.Interface
	cfg Config
	log *telemetry.Logger
	tel *telemetry.Telemetry

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log.NewComponentLogger("cluster")
		}
	}
}

// WithTelemetry records spans and call metrics for every API call.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) {
		c.tel = tel
	}
}

// NewClient wraps an existing clientset.
func NewClient(cs kubernetes.Interface, cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	c := &Client{
		cs:    cs,
		cfg:   cfg,
		log:   telemetry.NewNopLogger(),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds a clientset from kubeconfig, or from the
// in-cluster service account when no kubeconfig is found.
func NewClientFromConfig(cfg Config, opts ...Option) (*Client, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)

	restCfg, err := loader.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster credentials: %w", err)
	}
	if cfg.Namespace == "" {
		ns, _, err := loader.Namespace()
		if err == nil && ns != "" {
			cfg.Namespace = ns
		}
	}
	restCfg.UserAgent = fieldManager

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewClient(cs, cfg, opts...), nil
}

// Namespace returns the namespace unit pods live in.
func (c *Client) Namespace() string {
	return c.cfg.Namespace
}

// Ping checks that the API server answers, with the same retries as other calls.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, opPing, "", func(context.Context) error {
		_, err := c.cs.Discovery().ServerVersion()
		return err
	})
}

// ApplyPod creates the pod. An existing pod with the same name counts as success.
func (c *Client) ApplyPod(ctx context.Context, pod *corev1.Pod) error {
	if pod == nil {
		return engine.NewValidationError("nil pod", nil)
	}
	pod = pod.DeepCopy()
	pod.Namespace = c.cfg.Namespace

	return c.do(ctx, opApplyPod, pod.Name, func(ctx context.Context) error {
		_, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{FieldManager: fieldManager})
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
}

// DeletePod deletes the pod. An absent pod counts as success.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	return c.do(ctx, opDeletePod, name, func(ctx context.Context) error {
		err := c.cs.CoreV1().Pods(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// ListNodes lists every node and returns the list resource version.
func (c *Client) ListNodes(ctx context.Context) ([]corev1.Node, string, error) {
	var list *corev1.NodeList
	err := c.do(ctx, opListNodes, "", func(ctx context.Context) error {
		var err error
		list, err = c.cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return list.Items, list.ResourceVersion, nil
}

// ListPods lists unit pods, those carrying the unit-type label.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, string, error) {
	var list *corev1.PodList
	err := c.do(ctx, opListPods, "", func(ctx context.Context) error {
		var err error
		list, err = c.cs.CoreV1().Pods(c.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: engine.LabelUnitKind})
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return list.Items, list.ResourceVersion, nil
}

// do runs fn with a per-attempt timeout, retrying transient failures with
// exponential backoff. Once retries are exhausted the error is reported as
// cluster-unavailable.
func (c *Client) do(ctx context.Context, op, name string, fn func(ctx context.Context) error) error {
	if c.tel != nil {
		ctx = c.tel.WithContext(ctx)
	}
	backoff := c.backoff()

	var classified *engine.EngineError
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := telemetry.RecordClusterOperation(ctx, op, name, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
			return fn(attemptCtx)
		})
		if err == nil {
			return nil
		}

		classified = classify(op, name, err)
		if ctx.Err() != nil || !engine.IsRetryable(classified) {
			break
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := backoff.Step()
		c.log.WithError(err).
			WithField("operation", op).
			WithField("resource", name).
			Debugf("retrying in %s (attempt %d/%d)", delay, attempt+1, c.cfg.MaxRetries+1)
		if !c.sleep(ctx, delay) {
			break
		}
	}

	if c.tel != nil {
		c.tel.Metrics.RecordError(string(classified.Class), classified.Code)
	}
	if engine.IsRetryable(classified) || ctx.Err() != nil {
		return engine.NewUnavailableError(fmt.Sprintf("%s %s failed after retries", op, name), classified).
			WithResource(name).
			WithOperation(op)
	}
	return classified
}

func (c *Client) backoff() *wait.Backoff {
	return &wait.Backoff{
		Duration: c.cfg.BackoffInitial,
		Factor:   2,
		Jitter:   0.1,
		Steps:    1 << 30,
		Cap:      c.cfg.BackoffMax,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

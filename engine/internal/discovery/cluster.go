package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/vllm-router/core/engine/internal/domain"
)

// modelNamesAnnotation holds a comma-separated model name list on each pod,
// the cluster variant's equivalent of the static/file variants' model field.
const modelNamesAnnotation = "vllm-router.io/model-names"
const tagsAnnotation = "vllm-router.io/tags"
const portAnnotation = "vllm-router.io/port"
const defaultEnginePort = "8000"

// ClusterSource discovers endpoints from Ready pods in a namespace matching
// a label selector, per spec component C3's cluster/k8s variant. It tolerates
// watch disconnects: client-go's informer re-lists on reconnect and the
// resulting diff is delivered the same way as any other update.
type ClusterSource struct {
	Client    kubernetes.Interface
	Namespace string
	Selector  string
	log       *zap.Logger
}

// NewClusterSource builds a ClusterSource. log may be nil.
func NewClusterSource(client kubernetes.Interface, namespace, selector string, log *zap.Logger) *ClusterSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClusterSource{Client: client, Namespace: namespace, Selector: selector, log: log}
}

// Run starts a shared informer over pods matching Namespace/Selector and
// emits the full Ready-pod endpoint set on every add/update/delete, and once
// more after every re-list following a watch disconnect.
func (c *ClusterSource) Run(ctx context.Context) <-chan []domain.Endpoint {
	out := make(chan []domain.Endpoint, 1)

	listWatch := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = c.Selector
			return c.Client.CoreV1().Pods(c.Namespace).List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = c.Selector
			return c.Client.CoreV1().Pods(c.Namespace).Watch(ctx, opts)
		},
	}

	var store cache.Store
	emit := func() {
		eps := podsToEndpoints(store.List())
		select {
		case out <- eps:
		case <-ctx.Done():
		}
	}
	store, controller := cache.NewInformer(listWatch, &corev1.Pod{}, 0, cache.ResourceEventHandlerFuncs{
		AddFunc:    func(interface{}) { emit() },
		UpdateFunc: func(interface{}, interface{}) { emit() },
		DeleteFunc: func(interface{}) { emit() },
	})

	go func() {
		defer close(out)
		controller.Run(ctx.Done())
	}()

	return out
}

func podsToEndpoints(objs []interface{}) []domain.Endpoint {
	now := time.Now()
	out := make([]domain.Endpoint, 0, len(objs))
	for _, o := range objs {
		pod, ok := o.(*corev1.Pod)
		if !ok || !podReady(pod) {
			continue
		}
		port := pod.Annotations[portAnnotation]
		if port == "" {
			port = defaultEnginePort
		}
		models := splitCSV(pod.Annotations[modelNamesAnnotation])
		tags := splitCSV(pod.Annotations[tagsAnnotation])
		modelLabel := ""
		if len(models) > 0 {
			modelLabel = models[0]
		}
		out = append(out, domain.Endpoint{
			URL:        "http://" + pod.Status.PodIP + ":" + port,
			ModelLabel: modelLabel,
			ModelNames: toModelSet(models...),
			Tags:       toTagSet(tags...),
			Metadata:   map[string]string{"pod_name": pod.Name, "namespace": pod.Namespace},
			AddedAt:    now,
		})
	}
	return out
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.PodIP == "" || pod.DeletionTimestamp != nil {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// Package inventory exposes the device pool as seen by the cluster. Devices are Agones
// GameServers; a GameServer in the Ready state is a candidate for allocation. Utilization
// and capacity are published by the telemetry side as annotations on the GameServer.
package inventory

import (
	"context"
	"fmt"
	"strconv"

	"device-allocator/models"

	agonesv1 "agones.dev/agones/pkg/apis/agones/v1"
	agonesclientset "agones.dev/agones/pkg/client/clientset/versioned"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	AnnotationCPUUtilization     = "devices.allocator.io/cpu-utilization"
	AnnotationMemoryUtilization  = "devices.allocator.io/memory-utilization"
	AnnotationStorageUtilization = "devices.allocator.io/storage-utilization"
	AnnotationCPUCores           = "devices.allocator.io/cpu-cores"
	AnnotationMemoryMB           = "devices.allocator.io/memory-mb"
	AnnotationStorageGB          = "devices.allocator.io/storage-gb"
	LabelDeviceType              = "devices.allocator.io/type"
)

type Agones struct {
	client    agonesclientset.Interface
	namespace string
	selector  string
}

func NewAgones(client agonesclientset.Interface, namespace, selector string) *Agones {
	if namespace == "" {
		namespace = "default"
	}
	return &Agones{client: client, namespace: namespace, selector: selector}
}

// ListReady returns the Ready devices in list order.
func (a *Agones) ListReady(ctx context.Context) ([]models.Resource, error) {
	list, err := a.client.AgonesV1().GameServers(a.namespace).List(ctx, metav1.ListOptions{LabelSelector: a.selector})
	if err != nil {
		log.Error().Err(err).Str("namespace", a.namespace).Str("selector", a.selector).Msg("inventory: failed to list GameServers")
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]models.Resource, 0, len(list.Items))
	for i := range list.Items {
		gs := &list.Items[i]
		if gs.Status.State != agonesv1.GameServerStateReady || gs.ObjectMeta.DeletionTimestamp != nil {
			continue
		}
		out = append(out, toResource(gs))
	}
	log.Debug().Int("listed", len(list.Items)).Int("ready", len(out)).Msg("inventory: listed devices")
	return out, nil
}

func toResource(gs *agonesv1.GameServer) models.Resource {
	ann := gs.ObjectMeta.Annotations
	return models.Resource{
		ID:                 gs.ObjectMeta.Name,
		Name:               gs.ObjectMeta.Name,
		Type:               gs.ObjectMeta.Labels[LabelDeviceType],
		State:              string(gs.Status.State),
		CPUUtilization:     annotationFloat(ann, AnnotationCPUUtilization),
		MemoryUtilization:  annotationFloat(ann, AnnotationMemoryUtilization),
		StorageUtilization: annotationFloat(ann, AnnotationStorageUtilization),
		CPUCores:           annotationInt(ann, AnnotationCPUCores),
		MemoryMB:           annotationInt(ann, AnnotationMemoryMB),
		StorageGB:          annotationInt(ann, AnnotationStorageGB),
	}
}

func annotationFloat(ann map[string]string, key string) float64 {
	v, ok := ann[key]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("annotation", key).Str("value", v).Msg("inventory: invalid float annotation")
		return 0
	}
	return f
}

func annotationInt(ann map[string]string, key string) int {
	v, ok := ann[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("annotation", key).Str("value", v).Msg("inventory: invalid int annotation")
		return 0
	}
	return n
}

// NewAgonesClient returns an Agones typed clientset using in-cluster config or local kubeconfig.
func NewAgonesClient() (agonesclientset.Interface, error) {
	// Try in-cluster config first
	if cfg, err := rest.InClusterConfig(); err == nil {
		return agonesclientset.NewForConfig(cfg)
	}
	// Fallback to local kubeconfig
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return agonesclientset.NewForConfig(cfg)
}

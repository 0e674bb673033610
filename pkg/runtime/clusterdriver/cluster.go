// Package clusterdriver implements runtime.Driver against a Kubernetes
// cluster: containers become Pods, cargo volumes become
// PersistentVolumeClaims, and labels map directly onto Kubernetes object
// labels.
package clusterdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	resourcev1 "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/types"
)

// Driver implements runtime.Driver against a Kubernetes cluster.
type Driver struct {
	clientset    kubernetes.Interface
	namespace    string
	storageClass string

	mu      sync.Mutex
	pending map[string]runtime.CreateSpec
}

// Config configures a Kubernetes-backed Driver.
type Config struct {
	Clientset    kubernetes.Interface
	Namespace    string
	StorageClass string
}

// New returns a cluster Driver wrapping an already-constructed clientset
// (in-cluster or kubeconfig-based construction is the caller's concern).
func New(cfg Config) *Driver {
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Driver{clientset: cfg.Clientset, namespace: ns, storageClass: cfg.StorageClass, pending: make(map[string]runtime.CreateSpec)}
}

// Create validates the Pod spec and holds it in memory; Kubernetes has no
// "provision without starting" primitive, so the real object is only
// submitted in Start, upholding the "not reachable before Start" contract.
func (d *Driver) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	name := podName(spec)
	d.mu.Lock()
	d.pending[name] = spec
	d.mu.Unlock()
	return name, nil
}

// Start submits the Pod to the API server and polls until it has an IP.
func (d *Driver) Start(ctx context.Context, containerID string, runtimePort int, startTimeout time.Duration) (string, error) {
	pods := d.clientset.CoreV1().Pods(d.namespace)

	existing, err := pods.Get(ctx, containerID, metav1.GetOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("failed to check for existing pod: %w", err)
	}
	if existing == nil || existing.Name == "" {
		d.mu.Lock()
		spec, ok := d.pending[containerID]
		delete(d.pending, containerID)
		d.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("no pending pod spec for %s; Create must be called before Start", containerID)
		}
		pod := buildPod(containerID, d.namespace, spec)
		if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("failed to create pod: %w", err)
		}
	}

	deadline := time.Now().Add(startTimeout)
	for {
		p, err := pods.Get(ctx, containerID, metav1.GetOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to get pod: %w", err)
		}
		if p.Status.Phase == corev1.PodRunning && p.Status.PodIP != "" {
			return fmt.Sprintf("http://%s:%d", p.Status.PodIP, runtimePort), nil
		}
		if p.Status.Phase == corev1.PodFailed {
			return "", fmt.Errorf("pod %s failed to start: %s", containerID, p.Status.Reason)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out waiting for pod %s to become ready", containerID)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// Stop deletes the Pod gracefully. Idempotent.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	grace := int64(10)
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, containerID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

// Destroy force-deletes the Pod. Idempotent.
func (d *Driver) Destroy(ctx context.Context, containerID string) error {
	grace := int64(0)
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, containerID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to force-delete pod: %w", err)
	}
	return nil
}

// Status reports a Pod's phase for crash detection.
func (d *Driver) Status(ctx context.Context, containerID string, runtimePort int) (runtime.Status, error) {
	p, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return runtime.Status{State: runtime.StateUnknown}, nil
	}
	if err != nil {
		return runtime.Status{State: runtime.StateUnknown}, fmt.Errorf("failed to get pod: %w", err)
	}

	switch p.Status.Phase {
	case corev1.PodRunning:
		st := runtime.Status{State: runtime.StateRunning}
		if p.Status.PodIP != "" {
			st.Endpoint = fmt.Sprintf("http://%s:%d", p.Status.PodIP, runtimePort)
		}
		return st, nil
	case corev1.PodSucceeded, corev1.PodFailed:
		code := 0
		if p.Status.Phase == corev1.PodFailed {
			code = 1
		}
		return runtime.Status{State: runtime.StateExited, ExitCode: &code}, nil
	default:
		return runtime.Status{State: runtime.StateCreated}, nil
	}
}

// Logs returns the tail of the Pod's first container log stream.
func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	opts := &corev1.PodLogOptions{TailLines: int64Ptr(int64(tail))}
	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(containerID, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to stream pod logs: %w", err)
	}
	defer stream.Close()

	buf := make([]byte, 64*1024)
	n, _ := stream.Read(buf)
	return string(buf[:n]), nil
}

// CreateVolume provisions a PersistentVolumeClaim.
func (d *Driver) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	pvcs := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace)
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resourcev1.MustParse("1Gi")},
			},
		},
	}
	if d.storageClass != "" {
		pvc.Spec.StorageClassName = &d.storageClass
	}

	created, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return name, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create PVC: %w", err)
	}
	return created.Name, nil
}

// DeleteVolume deletes a PersistentVolumeClaim. Fails loudly if Pods still
// reference it (the API server rejects the delete while a Pod is mounting
// it, surfacing as a generic conflict error here).
func (d *Driver) DeleteVolume(ctx context.Context, name string) error {
	err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete PVC %s: %w", name, err)
	}
	return nil
}

// VolumeExists reports whether the PVC is present.
func (d *Driver) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListRuntimeInstances lists Pods matching a label selector built from the
// label filter (used only by GC).
func (d *Driver) ListRuntimeInstances(ctx context.Context, labelFilter map[string]string) ([]types.RuntimeInstance, error) {
	selector := metav1.LabelSelector{MatchLabels: labelFilter}
	list, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: metav1.FormatLabelSelector(&selector),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	out := make([]types.RuntimeInstance, 0, len(list.Items))
	for _, p := range list.Items {
		out = append(out, types.RuntimeInstance{
			ID:     p.Name,
			Name:   p.Name,
			Labels: p.Labels,
			State:  string(p.Status.Phase),
		})
	}
	return out, nil
}

// DestroyRuntimeInstance force-deletes a Pod discovered by GC.
func (d *Driver) DestroyRuntimeInstance(ctx context.Context, id string) error {
	return d.Destroy(ctx, id)
}

func podName(spec runtime.CreateSpec) string {
	return spec.SessionID + "-" + spec.Container.Name
}

const cargoVolumeName = "cargo"

func buildPod(name, namespace string, spec runtime.CreateSpec) *corev1.Pod {
	var env []corev1.EnvVar
	for k, v := range spec.Container.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	mountPath := spec.CargoMount.MountPath
	if mountPath == "" {
		mountPath = "/workspace"
	}

	resources := corev1.ResourceRequirements{}
	if spec.Container.Resources.MemoryMB > 0 {
		resources.Limits = corev1.ResourceList{
			corev1.ResourceMemory: resourcev1.MustParse(fmt.Sprintf("%dMi", spec.Container.Resources.MemoryMB)),
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: runtime.ContainerLabels(spec)},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:      "runtime",
				Image:     spec.Container.Image,
				Env:       env,
				Ports:     []corev1.ContainerPort{{ContainerPort: int32(spec.Container.RuntimePort)}},
				Resources: resources,
				VolumeMounts: []corev1.VolumeMount{{
					Name:      cargoVolumeName,
					MountPath: mountPath,
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: cargoVolumeName,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: spec.CargoMount.DriverRef,
					},
				},
			}},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

// Package kube dispatches tile segmentation to a Kubernetes cluster, one
// batch Job per tile.
package kube

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/PhantomInTheWire/cellmosaic/pkg/segment"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

const (
	AppLabel       = "cellmosaic-segment"
	DefaultImage   = "ghcr.io/phantominthewire/image-pipeline:latest"
	modelMountPath = "/opt/model"
	modelFile      = "segment.wasm"
)

var invalidName = regexp.MustCompile(`[^a-z0-9-]`)

func int32Ptr(i int32) *int32 { return &i }

// NewClient builds a clientset from kubeconfig, or from ~/.kube/config when
// empty, falling back to the in-cluster service account.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		var inErr error
		if cfg, inErr = rest.InClusterConfig(); inErr != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}
	return clientset, nil
}

// JobName derives a DNS-1123 job name from a tile file name, unique per call
// time and at most 63 characters.
func JobName(tile string, now time.Time) string {
	base := tilename.Stem(filepath.Base(tile))
	sanitized := strings.Trim(invalidName.ReplaceAllString(strings.ToLower(base), "-"), "-")
	suffix := fmt.Sprintf("-%d", now.UnixNano())

	name := "seg-" + sanitized
	if len(name)+len(suffix) > 63 {
		name = strings.TrimRight(name[:63-len(suffix)], "-")
	}
	return name + suffix
}

// SegmentJob describes the Job for one tile.
type SegmentJob struct {
	Name      string // defaults to JobName(Tile, time.Now())
	Namespace string
	// Tile is the tile's object name, e.g. slideA_0_3.png.
	Tile string
	// TileURL is the base URL the tile is fetched from.
	TileURL string
	// MaskURL is the base URL the mask is PUT to. Defaults to TileURL + "/masks".
	MaskURL string
	// ModelURL is the base URL serving segment.wasm.
	ModelURL string
	Image    string
	Params   segment.Params
}

// MaskName is the object name the job uploads its mask as.
func (j SegmentJob) MaskName() (string, error) {
	id, err := tilename.ParseIdentity(j.Tile)
	if err != nil {
		return "", err
	}
	return tilename.Encode(id.Stem, id.Row, id.Col, ".png"), nil
}

// BuildJob returns a Job that
// 1) downloads segment.wasm into a shared volume,
// 2) fetches the tile, runs the model via runwasi,
// 3) uploads the 16-bit label mask.
func BuildJob(spec SegmentJob) (*batchv1.Job, error) {
	mask, err := spec.MaskName()
	if err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = JobName(spec.Tile, time.Now())
	}
	if spec.Namespace == "" {
		spec.Namespace = meta.NamespaceDefault
	}
	if spec.MaskURL == "" {
		spec.MaskURL = strings.TrimRight(spec.TileURL, "/") + "/masks"
	}
	if spec.Image == "" {
		spec.Image = DefaultImage
	}
	tileURL := strings.TrimRight(spec.TileURL, "/") + "/" + spec.Tile
	maskURL := strings.TrimRight(spec.MaskURL, "/") + "/" + mask
	model := modelMountPath + "/" + modelFile

	env := []corev1.EnvVar{
		{Name: "INPUT_URL", Value: tileURL},
		{Name: "OUTPUT_URL", Value: maskURL},
	}
	for _, kv := range segment.Env(spec.Params) {
		k, v, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	volume := []corev1.VolumeMount{{Name: "model-volume", MountPath: modelMountPath}}

	return &batchv1.Job{
		ObjectMeta: meta.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    map[string]string{"app": AppLabel},
			Annotations: map[string]string{
				"cellmosaic/tile": spec.Tile,
				"cellmosaic/mask": mask,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(1),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Labels: map[string]string{"job-name": spec.Name, "app": AppLabel},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyOnFailure,
					InitContainers: []corev1.Container{{
						Name:  "init-model",
						Image: "curlimages/curl:7.85.0",
						Command: []string{
							"sh", "-c",
							fmt.Sprintf("mkdir -p %s && curl -sf %s/%s -o %s",
								modelMountPath, strings.TrimRight(spec.ModelURL, "/"), modelFile, model),
						},
						VolumeMounts: volume,
					}},
					Containers: []corev1.Container{{
						Name:  "segment",
						Image: spec.Image,
						Command: []string{
							"sh", "-c",
							fmt.Sprintf(`curl -sf "$INPUT_URL" | runwasi %s > /tmp/mask.png && curl -sf -X PUT -T /tmp/mask.png "$OUTPUT_URL"`, model),
						},
						Env:          env,
						VolumeMounts: volume,
					}},
					Volumes: []corev1.Volume{{
						Name:         "model-volume",
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}, nil
}

// CreateSegmentJob builds and submits the Job for spec, retrying on
// conflicts.
func CreateSegmentJob(ctx context.Context, client kubernetes.Interface, spec SegmentJob) (*batchv1.Job, error) {
	job, err := BuildJob(spec)
	if err != nil {
		return nil, err
	}
	var created *batchv1.Job
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		var err error
		created, err = client.BatchV1().Jobs(job.Namespace).Create(ctx, job, meta.CreateOptions{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return created, nil
}

package kube

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/PhantomInTheWire/cellmosaic/pkg/segment"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

var dns1123 = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

func TestJobName(t *testing.T) {
	now := time.Unix(1700000000, 42)
	name := JobName("Slide_A.1_0_3.png", now)
	require.Equal(t, "seg-slide-a-1-0-3-1700000000000000042", name)
	require.Regexp(t, dns1123, name)

	long := JobName(strings.Repeat("VeryLong_", 20)+"0_0.png", now)
	require.LessOrEqual(t, len(long), 63)
	require.Regexp(t, dns1123, long)
	require.True(t, strings.HasSuffix(long, "-1700000000000000042"))
}

func TestBuildJob(t *testing.T) {
	job, err := BuildJob(SegmentJob{
		Name:     "seg-a",
		Tile:     "slideA_1_2.png",
		TileURL:  "http://minio:9000/tiles/run1/",
		ModelURL: "http://minio:9000/models",
		Params:   segment.DefaultParams(),
	})
	require.NoError(t, err)
	require.Equal(t, meta.NamespaceDefault, job.Namespace)
	require.Equal(t, "slideA_1_2.png", job.Annotations["cellmosaic/mask"])
	require.Equal(t, int32(1), *job.Spec.BackoffLimit)

	pod := job.Spec.Template.Spec
	require.Len(t, pod.InitContainers, 1)
	require.Contains(t, pod.InitContainers[0].Command[2], "http://minio:9000/models/segment.wasm")
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	require.Equal(t, DefaultImage, c.Image)

	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	require.Equal(t, "http://minio:9000/tiles/run1/slideA_1_2.png", env["INPUT_URL"])
	require.Equal(t, "http://minio:9000/tiles/run1/masks/slideA_1_2.png", env["OUTPUT_URL"])
	require.Equal(t, "1,0", env["CELLMOSAIC_CHANNELS"])
	require.Equal(t, "2048", env["CELLMOSAIC_BLOCK_SIZE"])
}

func TestBuildJobRejectsBadTile(t *testing.T) {
	_, err := BuildJob(SegmentJob{Tile: "overview.png"})
	var perr *tilename.ParseError
	require.True(t, errors.As(err, &perr))
}

func TestCreateSegmentJob(t *testing.T) {
	client := fake.NewSimpleClientset()
	job, err := CreateSegmentJob(context.Background(), client, SegmentJob{
		Name:      "seg-s-0-0",
		Namespace: "pipeline",
		Tile:      "s_0_0.png",
		TileURL:   "http://minio/tiles",
	})
	require.NoError(t, err)
	require.Equal(t, "seg-s-0-0", job.Name)

	got, err := client.BatchV1().Jobs("pipeline").Get(context.Background(), "seg-s-0-0", meta.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, AppLabel, got.Labels["app"])
}

func TestCreateSegmentJobRetriesConflict(t *testing.T) {
	client := fake.NewSimpleClientset()
	calls := 0
	client.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		if calls == 1 {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "batch", Resource: "jobs"}, "seg", errors.New("busy"))
		}
		return false, nil, nil
	})
	_, err := CreateSegmentJob(context.Background(), client, SegmentJob{Name: "seg", Tile: "s_0_0.png", TileURL: "http://x"})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

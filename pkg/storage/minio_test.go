package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	failPut string
}

func newMemS3() *memS3 {
	return &memS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (m *memS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !m.buckets[aws.ToString(in.Bucket)] {
		return nil, errors.New("not found")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *memS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if m.failPut != "" && strings.HasSuffix(key, m.failPut) {
		return nil, errors.New("quota exceeded")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestKey(t *testing.T) {
	s := NewStoreWithClient(newMemS3(), "b", "/run1/", zerolog.Nop())
	require.Equal(t, "run1/tiles/a_0_0.png", s.Key("tiles/a_0_0.png"))
	require.Equal(t, "run1", s.Key(""))

	s = NewStoreWithClient(newMemS3(), "b", "", zerolog.Nop())
	require.Equal(t, "a_0_0.png", s.Key("a_0_0.png"))
}

func TestEnsureBucket(t *testing.T) {
	api := newMemS3()
	s := NewStoreWithClient(api, "tiles-bucket", "", zerolog.Nop())
	require.NoError(t, s.EnsureBucket(context.Background()))
	require.True(t, api.buckets["tiles-bucket"])
	require.NoError(t, s.EnsureBucket(context.Background()))
}

func TestUploadAndDownload(t *testing.T) {
	src := t.TempDir()
	for name, body := range map[string]string{
		"s_0_0.png": "a",
		"s_0_1.png": "b",
		"s_0_2.png": "c",
		"notes.txt": "skip me",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(body), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0o755))

	api := newMemS3()
	api.failPut = "s_0_2.png"
	s := NewStoreWithClient(api, "b", "job1", zerolog.Nop())

	rep, err := s.UploadDir(context.Background(), src, "tiles", ".png")
	require.NoError(t, err)
	require.Equal(t, []string{"s_0_0.png", "s_0_1.png"}, rep.Done)
	require.Len(t, rep.Failed, 1)
	require.Equal(t, []byte("a"), api.objects["job1/tiles/s_0_0.png"])
	require.NotContains(t, api.objects, "job1/tiles/notes.txt")

	api.objects["job1/tilesX/other.png"] = []byte("z")
	dst := filepath.Join(t.TempDir(), "down")
	rep, err = s.DownloadPrefix(context.Background(), "tiles", dst)
	require.NoError(t, err)
	require.Len(t, rep.Done, 2)

	b, err := os.ReadFile(filepath.Join(dst, "s_0_1.png"))
	require.NoError(t, err)
	require.Equal(t, "b", string(b))
	_, err = os.Stat(filepath.Join(dst, "other.png"))
	require.True(t, os.IsNotExist(err))
}

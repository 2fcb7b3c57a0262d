// Package storage moves tiles, masks and mosaics between local stage
// directories and an S3-compatible object store such as MinIO.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
)

type MinioConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// API is the subset of the S3 client the Store uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Store reads and writes objects under one bucket and key prefix.
type Store struct {
	client API
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewStore connects to the endpoint in cfg with static credentials and path
// style addressing.
func NewStore(ctx context.Context, cfg MinioConfig, log zerolog.Logger) (*Store, error) {
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...any) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL:               cfg.Endpoint,
			SigningRegion:     cfg.Region,
			HostnameImmutable: true,
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true })
	return NewStoreWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client API, bucket, prefix string, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("component", "storage").Str("bucket", bucket).Logger(),
	}
}

// Key maps a name relative to the store prefix to its object key.
func (s *Store) Key(name string) string {
	return path.Join(s.prefix, filepath.ToSlash(name))
}

// EnsureBucket creates the bucket if HeadBucket cannot see it.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.log.Info().Msg("created bucket")
	return nil
}

// UploadFile stores the local file at src under name.
func (s *Store) UploadFile(ctx context.Context, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(name)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// UploadDir uploads every regular file in dir whose name ends in one of
// exts (all files when exts is empty) under subdir. A file that fails to
// upload is logged and the rest continue.
func (s *Store) UploadDir(ctx context.Context, dir, subdir string, exts ...string) (*batch.Report, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	rep := &batch.Report{}
	for _, f := range files {
		if f.IsDir() || !matchExt(f.Name(), exts) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		name := path.Join(subdir, f.Name())
		if err := s.UploadFile(ctx, filepath.Join(dir, f.Name()), name); err != nil {
			s.log.Error().Err(err).Str("file", f.Name()).Msg("failed to upload")
			rep.Fail(f.Name(), err)
			continue
		}
		s.log.Debug().Str("key", s.Key(name)).Msg("uploaded")
		rep.Ok(f.Name())
	}
	return rep, nil
}

// DownloadPrefix copies every object under subdir into dir, flattening keys
// to their base name.
func (s *Store) DownloadPrefix(ctx context.Context, subdir, dir string) (*batch.Report, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := s.Key(subdir)
	if prefix != "" {
		prefix += "/"
	}
	rep := &batch.Report{}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return rep, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if err := s.download(ctx, key, filepath.Join(dir, path.Base(key))); err != nil {
				s.log.Error().Err(err).Str("key", key).Msg("failed to download")
				rep.Fail(key, err)
				continue
			}
			rep.Ok(key)
		}
	}
	return rep, nil
}

func (s *Store) download(ctx context.Context, key, dest string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	for _, e := range exts {
		if strings.HasSuffix(strings.ToLower(name), strings.ToLower(e)) {
			return true
		}
	}
	return false
}

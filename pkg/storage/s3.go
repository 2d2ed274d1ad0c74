package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/splitcut/backend/pkg/apperror"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	Endpoint             string // optional, for S3-compatible stores (MinIO, R2)
	UsePathStyle         bool
	PresignExpireMinutes int
}

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Object is a (possibly partial) object body. Caller must close Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// S3 is the blob store: artifact upload/download, range reads and presigned uploads.
type S3 struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presigner  *s3.PresignClient
	cfg        S3Config
	logger     *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the default chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("bucket", cfg.Bucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 5 * 1024 * 1024
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = 8 * 1024 * 1024
		}),
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *S3) Bucket() string { return s.cfg.Bucket }

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// PresignUpload returns a pre-signed PUT URL for direct upload of key.
func (s *S3) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", apperror.Storage("presign put", err)
	}
	return req.URL, nil
}

// PresignGet returns a pre-signed GET URL for key.
func (s *S3) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", apperror.Storage("presign get", err)
	}
	return req.URL, nil
}

// Put streams body to key.
func (s *S3) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperror.Storage("put "+key, err)
	}
	return nil
}

// UploadFile uploads the local file at path to key and returns its size. An existing object
// is overwritten.
func (s *S3) UploadFile(ctx context.Context, key, contentType, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, apperror.Storage("open "+filepath.Base(path), err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, apperror.Storage("stat "+filepath.Base(path), err)
	}
	if err := s.Put(ctx, key, contentType, f); err != nil {
		return 0, err
	}
	s.logger.Debug("uploaded object", zap.String("key", key), zap.Int64("size", fi.Size()))
	return fi.Size(), nil
}

// DownloadFile writes the object at key to the local file path and returns its size.
func (s *S3) DownloadFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, apperror.Storage("create "+filepath.Base(path), err)
	}
	defer f.Close()
	n, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, apperror.NotFound("download", "object %s", key)
		}
		return 0, apperror.Storage("get "+key, err)
	}
	return n, nil
}

// Get returns the object at key. A non-nil rng limits the read to that byte range.
func (s *S3) Get(ctx context.Context, key string, rng *Range) (*Object, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		in.Range = aws.String(rng.Header())
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, apperror.NotFound("get", "object %s", key)
		}
		return nil, apperror.Storage("get "+key, err)
	}
	return &Object{
		Body:          out.Body,
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: aws.ToInt64(out.ContentLength),
	}, nil
}

// Head returns object metadata.
func (s *S3) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperror.NotFound("head", "object %s", key)
		}
		return nil, apperror.Storage("head "+key, err)
	}
	return &ObjectInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperror.Storage("delete "+key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

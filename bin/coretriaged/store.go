package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/peterbourgon/diskv"
)

// Store is the object storage holding archived coredumps and debug modules.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

var (
	ErrNotFound = errors.New(`not found`)
)

// Kinds of object storage.
const (
	StoreNone = "none"
	StoreDisk = "disk"
	StoreS3   = "s3"
)

// DiskStore keeps objects as flat files in a directory.
type DiskStore struct {
	d *diskv.Diskv
}

// compile-time check that the stores actually implement the Store
// interface.
var (
	_ Store = new(DiskStore)
	_ Store = new(S3Store)
)

func NewDiskStore(root string) (*DiskStore, error) {
	err := os.MkdirAll(root, os.ModeDir|0774)
	if err != nil {
		return nil, wrap(err, `creating store directory`)
	}

	// Objects are written once and read rarely, which makes diskv's
	// in-memory cache useless.
	return &DiskStore{
		d: diskv.New(diskv.Options{
			BasePath:     root,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: 0,
		}),
	}, nil
}

func (s *DiskStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := s.d.Read(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, `reading object`)
	}
	return raw, nil
}

func (s *DiskStore) Put(_ context.Context, key string, data []byte) error {
	err := s.d.Write(key, data)
	if err != nil {
		return wrap(err, `writing object`)
	}
	return nil
}

func (s *DiskStore) Exists(_ context.Context, key string) (bool, error) {
	return s.d.Has(key), nil
}

// S3Store keeps objects in an S3-compatible bucket (AWS, R2, minio, etc).
type S3Store struct {
	client s3iface.S3API
	bucket string
}

// NewS3Store configures a bucket client. Credentials are taken from the
// usual AWS environment variables, shared configuration or instance role. A
// custom endpoint switches to path-style addressing, which is what most
// S3-compatible services expect.
func NewS3Store(bucket, region, endpoint string) (*S3Store, error) {
	if len(bucket) == 0 {
		return nil, errors.New(`no bucket configured`)
	}

	cfg := aws.NewConfig().WithRegion(region)
	if len(endpoint) != 0 {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, wrap(err, `creating aws session`)
	}

	return &S3Store{
		client: s3.New(sess),
		bucket: bucket,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, `getting object`)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrap(err, `reading object`)
	}
	return raw, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return wrap(err, `putting object`)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap(err, `looking up object`)
	}
	return true, nil
}

// isNotFound reports whether err is the API's way to say the object doesn't
// exist. HEAD requests have no body, hence the generic NotFound code.
func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}

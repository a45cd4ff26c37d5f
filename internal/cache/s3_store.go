package cache

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/pkg/log"
)

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Store keeps archives in a S3 bucket, credentials are taken from the
// default AWS credential chain.
type S3Store struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, karma.Format(nil, "s3 bucket name must be configured")
	}

	cfg := &aws.Config{}
	if config.Region != "" {
		cfg = cfg.WithRegion(config.Region)
	}

	if config.Endpoint != "" {
		// minio and other s3 compatible storages
		cfg = cfg.WithEndpoint(config.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, karma.Format(err, "unable to create AWS session")
	}

	log.Debugf(
		karma.Describe("bucket", config.Bucket).Describe("prefix", config.Prefix),
		"using s3 cache store",
	)

	return &S3Store{
		s3:       s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   config.Bucket,
		prefix:   strings.Trim(config.Prefix, "/"),
	}, nil
}

func (store *S3Store) key(key string) string {
	if store.prefix == "" {
		return key
	}

	return path.Join(store.prefix, key)
}

func (store *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := store.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(store.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, karma.Format(err, "unable to get s3 object: %s", store.key(key))
	}

	return output.Body, nil
}

func (store *S3Store) Put(ctx context.Context, key string, source io.Reader) error {
	_, err := store.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Body:        source,
		Bucket:      aws.String(store.bucket),
		Key:         aws.String(store.key(key)),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return karma.Format(err, "unable to upload s3 object: %s", store.key(key))
	}

	return nil
}

func (store *S3Store) Delete(ctx context.Context, key string) error {
	_, err := store.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(store.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}

		return karma.Format(err, "unable to stat s3 object: %s", store.key(key))
	}

	_, err = store.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(store.key(key)),
	})
	if err != nil {
		return karma.Format(err, "unable to delete s3 object: %s", store.key(key))
	}

	return nil
}

func (store *S3Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries := []Entry{}

	base := ""
	if store.prefix != "" {
		base = store.prefix + "/"
	}

	err := store.s3.ListObjectsV2PagesWithContext(
		ctx,
		&s3.ListObjectsV2Input{
			Bucket: aws.String(store.bucket),
			Prefix: aws.String(base + prefix),
		},
		func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, object := range page.Contents {
				entries = append(entries, Entry{
					Key:      strings.TrimPrefix(aws.StringValue(object.Key), base),
					Size:     aws.Int64Value(object.Size),
					Modified: aws.TimeValue(object.LastModified),
				})
			}
			return true
		},
	)
	if err != nil {
		return nil, karma.Format(err, "unable to list s3 objects")
	}

	return entries, nil
}

func isNotFound(err error) bool {
	if err, ok := err.(awserr.Error); ok {
		switch err.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}

	return false
}

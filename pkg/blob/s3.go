package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/sirupsen/logrus"
)

var (
	_ Store       = (*s3Store)(nil)
	_ Presigner   = (*s3Store)(nil)
	_ Preflighter = (*s3Store)(nil)
)

// s3Store keeps blobs in an S3-compatible bucket under an optional prefix.
type s3Store struct {
	log     logrus.FieldLogger
	cfg     *config.S3BlobConfig
	client  *s3.Client
	presign *s3.PresignClient
	expiry  time.Duration
}

// NewS3Store creates an S3-backed Store.
func NewS3Store(log logrus.FieldLogger, cfg *config.S3BlobConfig) (Store, error) {
	expiry, err := cfg.PresignExpiryDuration()
	if err != nil {
		return nil, err
	}

	client := newS3Client(cfg)

	return &s3Store{
		log:     log.WithField("component", "blob-s3"),
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		expiry:  expiry,
	}, nil
}

func newS3Client(cfg *config.S3BlobConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = "us-east-1"
		if cfg.Region != "" {
			o.Region = cfg.Region
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// key maps a blob name to its object key.
func (s *s3Store) key(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	return objectKey(s.cfg.Prefix, name), nil
}

func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}

// Preflight verifies bucket write access with a small marker object.
func (s *s3Store) Preflight(ctx context.Context) error {
	marker := fmt.Sprintf("evaloor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey(s.cfg.Prefix, ".evaloor-write-test")),
		Body:        strings.NewReader(marker),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

func (s *s3Store) Put(ctx context.Context, name string, data []byte) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType(data)),
	}

	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if s.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(s.cfg.ACL)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	s.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploaded blob")

	return nil
}

func (s *s3Store) Get(ctx context.Context, name string) ([]byte, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, name string) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("heading object %q: %w", key, err)
	}

	return true, nil
}

// PresignGet returns a time-limited GET URL for the blob.
func (s *s3Store) PresignGet(ctx context.Context, name string) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", key, err)
	}

	return req.URL, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound")
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"scribe/internal/config"
	"scribe/internal/scribe"
)

// S3API is the subset of the S3 client used by S3Vault.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader streams an object to S3, splitting it into parts when large.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Vault stores image payloads as objects under <prefix>/images/<key>.
type S3Vault struct {
	client   S3API
	uploader Uploader
	bucket   string
	prefix   string
}

// NewS3Vault creates a vault over an S3 client. Uploads go through the
// multipart upload manager.
func NewS3Vault(client *s3.Client, bucket, prefix string) *S3Vault {
	return NewS3VaultWithClients(client, manager.NewUploader(client), bucket, prefix)
}

// NewS3VaultWithClients creates a vault from explicit API implementations.
func NewS3VaultWithClients(client S3API, uploader Uploader, bucket, prefix string) *S3Vault {
	return &S3Vault{client: client, uploader: uploader, bucket: bucket, prefix: prefix}
}

// newS3Client builds an S3 client from the vault config. Static credentials
// are used when both are set; otherwise the default credential chain applies.
func newS3Client(ctx context.Context, cfg config.VaultConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// Local S3-compatible servers rarely support virtual-hosted buckets.
			o.UsePathStyle = true
		}
	}), nil
}

func (v *S3Vault) objectKey(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return path.Join(v.prefix, "images", key), nil
}

// PutImage uploads an image. The reader is wrapped so the size can be
// verified after the upload completes.
func (v *S3Vault) PutImage(ctx context.Context, key string, r io.Reader, size int64) error {
	objKey, err := v.objectKey(key)
	if err != nil {
		return err
	}
	counter := &countingReader{r: r}
	_, err = v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(objKey),
		Body:   counter,
	})
	if err != nil {
		return fmt.Errorf("uploading image %s: %w", key, err)
	}
	if counter.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counter.n)
	}
	return nil
}

// GetImage downloads an image into w.
func (v *S3Vault) GetImage(ctx context.Context, key string, w io.Writer) error {
	objKey, err := v.objectKey(key)
	if err != nil {
		return err
	}
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", scribe.ErrImageNotFound, key)
		}
		return fmt.Errorf("downloading image %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading image %s: %w", key, err)
	}
	return nil
}

// DeleteImage removes an object. S3 treats deleting a missing key as success.
func (v *S3Vault) DeleteImage(ctx context.Context, key string) error {
	objKey, err := v.objectKey(key)
	if err != nil {
		return err
	}
	_, err = v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting image %s: %w", key, err)
	}
	return nil
}

// ValidateSetup checks that the bucket exists and is accessible.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Compile-time check that S3Vault implements scribe.ImageVault
var _ scribe.ImageVault = (*S3Vault)(nil)

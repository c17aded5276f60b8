package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"go.engram.dev/engram/go/skerr"
)

// S3Options selects the bucket and, for S3-compatible servers such as MinIO,
// the endpoint and static credentials. Empty fields fall back to the default
// AWS config chain.
type S3Options struct {
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the slice of the S3 client the store uses; tests fake it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps artifacts in one bucket with server-side encryption.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds a store over the default AWS config chain, overridden by
// any explicit endpoint and credentials in opts.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			})))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading AWS config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// Path-style addressing for S3-compatible servers.
		o.UsePathStyle = opts.Endpoint != ""
	})
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// NewS3StoreWithClient wires an explicit client, used by tests.
func NewS3StoreWithClient(client s3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Put implements Store. A HEAD hit short-circuits the upload: the key embeds
// the content hash, so the object cannot differ.
func (s *S3Store) Put(ctx context.Context, ref Ref, data []byte) (*Written, error) {
	sum := SHA256Hex(data)
	key := ref.Key(sum)
	w := &Written{
		Key:       key,
		URI:       "s3://" + s.bucket + "/" + key,
		SHA256:    sum,
		SizeBytes: int64(len(data)),
	}

	exists, err := s.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return w, nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentLength:        int64(len(data)),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "uploading s3://%s/%s", s.bucket, key)
	}
	return w, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return data, nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, skerr.Wrapf(err, "checking s3://%s/%s", s.bucket, key)
	}
	return true, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
)

// s3API is the part of *s3.Client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Options configures an S3 compatible bucket.
type S3Options struct {
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
	Bucket       string
	TempDir      string
	URLExpiry    time.Duration
}

// S3Storage stores objects in an S3 bucket. Streams of unknown length are
// spooled to a temp file, hashed on the way, and uploaded from there so the
// request carries a content length.
type S3Storage struct {
	client    s3API
	presign   s3Presigner
	bucket    string
	tempDir   string
	urlExpiry time.Duration
}

func NewS3Storage(ctx context.Context, o S3Options) (*S3Storage, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(o.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(opts *s3.Options) {
		if o.BaseEndpoint != "" {
			opts.BaseEndpoint = aws.String(o.BaseEndpoint)
			opts.UsePathStyle = true
		}
	})

	return newS3Storage(client, s3.NewPresignClient(client), o), nil
}

func newS3Storage(client s3API, presign s3Presigner, o S3Options) *S3Storage {
	expiry := o.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &S3Storage{client: client, presign: presign, bucket: o.Bucket, tempDir: o.TempDir, urlExpiry: expiry}
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func (s *S3Storage) Save(ctx context.Context, key string, p Payload) (*SaveResult, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	src, _, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	spool, err := os.CreateTemp(s.tempDir, tempPrefix+"s3-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	hr := newHashingReader(contextReader{ctx: ctx, r: src})
	if _, err := io.Copy(spool, hr); err != nil {
		return nil, fmt.Errorf("spool %s: %w", key, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(hr.n),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	metrics.BytesStored("s3", hr.n)
	return &SaveResult{Key: key, Size: hr.n, ContentHash: hr.Sum()}, nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.GetStream(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}

func (s *S3Storage) GetStream(ctx context.Context, key string, r *Range) (*Object, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	var total int64 = -1
	if r != nil {
		md, err := s.GetMetadata(ctx, key)
		if err != nil {
			return nil, err
		}
		off, n, err := r.resolve(md.Size)
		if err != nil {
			return nil, err
		}
		total = md.Size
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	size := aws.ToInt64(out.ContentLength)
	if total < 0 {
		total = size
	}
	ct := aws.ToString(out.ContentType)
	if ct == "" {
		ct = contentType(key)
	}
	return &Object{Body: out.Body, Size: size, TotalSize: total, ContentType: ct}, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetMetadata(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}
	return keys, nil
}

func (s *S3Storage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return &Metadata{
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

// Delete reports false when the key did not exist. S3 deletes are idempotent,
// so existence is checked first.
func (s *S3Storage) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Storage) URL(ctx context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

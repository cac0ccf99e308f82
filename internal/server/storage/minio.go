package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
)

// minioAPI is the part of *minio.Client the backend uses.
type minioAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	URLExpiry time.Duration
}

// MinioStorage streams objects to a MinIO bucket; the content is hashed as
// it is sent.
type MinioStorage struct {
	client    minioAPI
	bucket    string
	urlExpiry time.Duration
}

func NewMinioStorage(o MinioOptions) (*MinioStorage, error) {
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return newMinioStorage(client, o), nil
}

func newMinioStorage(client minioAPI, o MinioOptions) *MinioStorage {
	expiry := o.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &MinioStorage{client: client, bucket: o.Bucket, urlExpiry: expiry}
}

func (s *MinioStorage) translate(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return notFound(key)
	}
	return fmt.Errorf("minio: %w", err)
}

func (s *MinioStorage) Save(ctx context.Context, key string, p Payload) (*SaveResult, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	src, size, err := p.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	hr := newHashingReader(src)
	_, err = s.client.PutObject(ctx, s.bucket, key, hr, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return nil, s.translate(key, err)
	}
	if size >= 0 && hr.n != size {
		return nil, fmt.Errorf("put %s: wrote %d of %d bytes", key, hr.n, size)
	}

	metrics.BytesStored("minio", hr.n)
	return &SaveResult{Key: key, Size: hr.n, ContentHash: hr.Sum()}, nil
}

func (s *MinioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.GetStream(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}

func (s *MinioStorage) GetStream(ctx context.Context, key string, r *Range) (*Object, error) {
	md, err := s.GetMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	off, n, err := r.resolve(md.Size)
	if err != nil {
		return nil, err
	}

	opts := minio.GetObjectOptions{}
	if r != nil {
		if err := opts.SetRange(off, off+n-1); err != nil {
			return nil, err
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, s.translate(key, err)
	}
	return &Object{Body: obj, Size: n, TotalSize: md.Size, ContentType: md.ContentType}, nil
}

func (s *MinioStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetMetadata(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MinioStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, s.translate(prefix, object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

func (s *MinioStorage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, s.translate(key, err)
	}
	ct := info.ContentType
	if ct == "" {
		ct = contentType(key)
	}
	return &Metadata{Size: info.Size, ModTime: info.LastModified, ContentType: ct}, nil
}

func (s *MinioStorage) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, s.translate(key, err)
	}
	return true, nil
}

func (s *MinioStorage) URL(ctx context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, nil)
	if err != nil {
		return "", s.translate(key, err)
	}
	return u.String(), nil
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket answering the subset of the S3 API used by
// S3Storage. Listing returns pageSize keys per page.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	putErr   error
	lastPut  *s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, pageSize: 2} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if r := aws.ToString(in.Range); r != "" {
		var start, end int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		b = b[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(b))),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
		ContentType:   aws.String("application/octet-stream"),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		for i, k := range keys {
			if k == tok {
				start = i
				break
			}
		}
	}
	end := start + f.pageSize
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + aws.ToString(in.Key) + "?X-Amz-Signature=x"}, nil
}

func newS3ForTest(t *testing.T) (*S3Storage, *fakeS3) {
	t.Helper()
	f := newFakeS3()
	return newS3Storage(f, fakePresigner{}, S3Options{Bucket: "artifacts", TempDir: t.TempDir()}), f
}

func TestS3_RoundTripAndHash(t *testing.T) {
	ctx := context.Background()
	s, f := newS3ForTest(t)
	key := Key("npm", "r", "pkg", "1.0.0", "pkg.tgz")
	content := bytes.Repeat([]byte("layer"), 1000)

	res, err := s.Save(ctx, key, Reader(bytes.NewReader(content), -1))
	require.NoError(t, err)
	assert.Equal(t, sha(content), res.ContentHash)
	assert.Equal(t, int64(len(content)), res.Size)
	assert.Equal(t, int64(len(content)), aws.ToInt64(f.lastPut.ContentLength))
	assert.Equal(t, "artifacts", aws.ToString(f.lastPut.Bucket))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = s.Save(ctx, key, Bytes([]byte("v2")))
	require.NoError(t, err)
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestS3_PutFailure(t *testing.T) {
	s, f := newS3ForTest(t)
	f.putErr = errors.New("503 slow down")

	_, err := s.Save(context.Background(), Key("npm", "r", "x"), Bytes([]byte("x")))
	assert.ErrorContains(t, err, "slow down")
}

func TestS3_NotFoundMapping(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3ForTest(t)
	key := Key("npm", "r", "missing")

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = s.GetMetadata(ctx, key)
	assert.ErrorIs(t, err, common.ErrNotFound)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3_RangeListDeleteURL(t *testing.T) {
	ctx := context.Background()
	s, _ := newS3ForTest(t)

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		_, err := s.Save(ctx, Key("npm", "r", "pkg", v), Bytes([]byte("0123456789")))
		require.NoError(t, err)
	}
	_, err := s.Save(ctx, Key("npm", "other", "pkg"), Bytes([]byte("x")))
	require.NoError(t, err)

	obj, err := s.GetStream(ctx, "npm/r/pkg/1.0.0", &Range{Start: 3, End: 4})
	require.NoError(t, err)
	b, _ := io.ReadAll(obj.Body)
	assert.Equal(t, "34", string(b))
	assert.Equal(t, int64(10), obj.TotalSize)

	keys, err := s.List(ctx, Prefix("npm", "r", "pkg"))
	require.NoError(t, err)
	assert.Equal(t, []string{"npm/r/pkg/1.0.0", "npm/r/pkg/1.1.0", "npm/r/pkg/2.0.0"}, keys, "all pages are followed")

	md, err := s.GetMetadata(ctx, "npm/r/pkg/1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(10), md.Size)

	u, err := s.URL(ctx, "npm/r/pkg/1.0.0")
	require.NoError(t, err)
	assert.Contains(t, u, "npm/r/pkg/1.0.0")

	ok, err := s.Delete(ctx, "npm/r/pkg/1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewS3Storage_UsesSeams(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		return aws.Config{Region: lo.Region}, nil
	}

	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return s3.NewFromConfig(cfg, optFns...)
	}

	s, err := NewS3Storage(context.Background(), S3Options{
		Region:       "eu-central-1",
		AccessKey:    "k",
		SecretKey:    "s",
		BaseEndpoint: "http://minio:9000",
		Bucket:       "b",
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("load-fail")
	}
	_, err = NewS3Storage(context.Background(), S3Options{})
	assert.EqualError(t, err, "load-fail")
}

package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory bucket implementing S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
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
	prefix := aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func TestS3StoreLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3Store(fake, "bucket", "tftp")

	if ok, err := s.Exists(ctx, "f.txt"); err != nil || ok {
		t.Fatalf("Exists on empty bucket = %v, %v", ok, err)
	}
	if err := s.Create(ctx, "f.txt", []byte("payload")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := fake.objects["tftp/f.txt"]; !ok {
		t.Fatalf("object stored under unexpected key: %v", fake.objects)
	}
	if err := s.Create(ctx, "f.txt", []byte("other")); !errors.Is(err, ErrExists) {
		t.Errorf("second Create err = %v, want ErrExists", err)
	}

	data, err := s.Read(ctx, "f.txt")
	if err != nil || string(data) != "payload" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	fake.objects["other/ignored"] = nil
	if err := s.Create(ctx, "a.bin", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	names, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"a.bin", "f.txt"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}

	if err := s.Delete(ctx, "f.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "f.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Read(ctx, "f.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after delete err = %v, want ErrNotFound", err)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Options{Backend: BackendS3}); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestS3StoreFromOptionsUsesDefaultChain(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", dir+"/config")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", dir+"/credentials")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDTEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "us-east-2")

	ctx := context.Background()
	s, err := NewS3StoreFromOptions(ctx, Options{
		Bucket:   "files",
		Region:   "eu-west-1",
		Endpoint: "http://127.0.0.1:9000",
	})
	if err != nil {
		t.Fatalf("NewS3StoreFromOptions: %v", err)
	}

	client, ok := s.client.(*s3.Client)
	if !ok {
		t.Fatalf("client is %T", s.client)
	}
	o := client.Options()
	if o.Region != "eu-west-1" {
		t.Errorf("region = %q, want eu-west-1", o.Region)
	}
	if !o.UsePathStyle || aws.ToString(o.BaseEndpoint) != "http://127.0.0.1:9000" {
		t.Errorf("endpoint = %q path style %v", aws.ToString(o.BaseEndpoint), o.UsePathStyle)
	}

	creds, err := o.Credentials.Retrieve(ctx)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AKIDTEST" {
		t.Errorf("access key = %q", creds.AccessKeyID)
	}
}

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "mix-receipts"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "mix-receipts", S3Client: &fakeS3Client{}}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStore_WriteOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	store, err := New(Config{Driver: DriverMemory, Prefix: "/mixer-a/", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	payload := []byte(`{"hop":1}`)
	if err := store.Put(ctx, "/mixes/r1/hops/1.json", payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"hop-key": "0xab"},
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "mixes/r1/hops/1.json", []byte(`{"hop":"other"}`), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	obj, err := store.Get(ctx, "mixes/r1/hops/1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(obj.Data, payload) || obj.ContentType != "application/json" || obj.Metadata["hop-key"] != "0xab" {
		t.Fatalf("unexpected object: %+v", obj)
	}
	if !obj.LastModified.Equal(now) {
		t.Fatalf("LastModified: got %v", obj.LastModified)
	}

	obj.Data[0] = 'X'
	obj.Metadata["hop-key"] = "changed"
	reload, err := store.Get(ctx, "mixes/r1/hops/1.json")
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' || reload.Metadata["hop-key"] != "0xab" {
		t.Fatalf("stored object mutated through returned value")
	}

	ok, err := store.Exists(ctx, "mixes/r1/hops/2.json")
	if err != nil || ok {
		t.Fatalf("Exists missing: ok=%v err=%v", ok, err)
	}
	if _, err := store.Get(ctx, "mixes/r1/hops/2.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", "   ", "\x00bad", "\nnewline", "mixes/../etc"} {
		if err := store.Put(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestS3Store_ConditionalPutAndGet(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{}
	store, err := New(Config{
		Driver:     DriverS3,
		Bucket:     "mix-receipts",
		Prefix:     "prod",
		MaxGetSize: 4 << 10,
		S3Client:   client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Bucket), "mix-receipts"; got != want {
			t.Fatalf("bucket: got %q want %q", got, want)
		}
		if got, want := aws.ToString(in.Key), "prod/mixes/r1/hops/1.json"; got != want {
			t.Fatalf("key: got %q want %q", got, want)
		}
		if aws.ToString(in.IfNoneMatch) != "*" {
			t.Fatalf("expected conditional put, got IfNoneMatch=%q", aws.ToString(in.IfNoneMatch))
		}
		return &s3.PutObjectOutput{}, nil
	}
	client.getFn = func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{
			Body:        io.NopCloser(strings.NewReader(`{"hop":1}`)),
			ContentType: aws.String("application/json"),
			Metadata:    map[string]string{"hop-key": "0xab"},
		}, nil
	}

	if err := store.Put(context.Background(), "mixes/r1/hops/1.json", []byte(`{"hop":1}`), PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := store.Get(context.Background(), "mixes/r1/hops/1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != `{"hop":1}` || obj.Metadata["hop-key"] != "0xab" {
		t.Fatalf("unexpected object: %+v", obj)
	}

	client.putFn = func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return nil, fakeAPIError{code: "PreconditionFailed", msg: "exists"}
	}
	if err := store.Put(context.Background(), "mixes/r1/hops/1.json", []byte("x"), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestS3Store_MapsNotFoundAndSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "mix-receipts", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Get(context.Background(), "mixes/r2/hops/1.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(context.Background(), "mixes/r2/hops/1.json")
	if err != nil || ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}

	client.getFn = func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
	}
	if _, err := store.Get(context.Background(), "mixes/r2/hops/1.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }

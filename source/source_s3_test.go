package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

//
// Fakes
//

type fakeS3API struct {
	mu sync.Mutex

	objects map[string]string
	order   []string

	listErr error
	getErr  error
	delErr  error

	listCalls int
	getCalls  int
	delCalls  int

	lastList  *s3.ListObjectsV2Input
	lastGet   *s3.GetObjectInput
	deletions []string
}

func newFakeS3API() *fakeS3API {
	return &fakeS3API{objects: map[string]string{}}
}

func (f *fakeS3API) put(key, body string) {
	f.objects[key] = body
	f.order = append(f.order, key)
}

func (f *fakeS3API) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	f.lastList = in
	if f.listErr != nil {
		return nil, f.listErr
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range f.order {
		if _, ok := f.objects[k]; !ok {
			continue
		}
		if int32(len(out.Contents)) >= aws.ToInt32(in.MaxKeys) {
			break
		}
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3API) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	f.lastGet = in
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func (f *fakeS3API) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delCalls++
	if f.delErr != nil {
		return nil, f.delErr
	}
	key := aws.ToString(in.Key)
	f.deletions = append(f.deletions, key)
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

const sampleRequest = `{"type":"create","requestId":"req-abc-123","widgetId":"w-001","owner":"Test User"}`

//
// Tests
//

func TestSourceS3_Fetch_ReturnsRequestAndDeletesObject(t *testing.T) {
	f := newFakeS3API()
	f.put("request-001.json", sampleRequest)

	src := NewSourceS3(f, "test-consume-bucket", DefaultSourceS3Config, zerolog.Nop())

	d, ok := src.Fetch(context.Background())
	if !ok {
		t.Fatalf("expected a delivery")
	}
	if d.Handle != nil {
		t.Fatalf("poll-style delivery must not carry a handle")
	}
	if d.Request.RequestID != "req-abc-123" || d.Request.WidgetID != "w-001" {
		t.Fatalf("unexpected request: %+v", d.Request)
	}
	if d.Request.Owner == nil || *d.Request.Owner != "Test User" {
		t.Fatalf("unexpected owner: %v", d.Request.Owner)
	}

	if aws.ToString(f.lastList.Bucket) != "test-consume-bucket" || aws.ToInt32(f.lastList.MaxKeys) != 1 {
		t.Fatalf("unexpected list input: bucket=%q max=%d", aws.ToString(f.lastList.Bucket), aws.ToInt32(f.lastList.MaxKeys))
	}
	if aws.ToString(f.lastGet.Key) != "request-001.json" {
		t.Fatalf("get key: %q", aws.ToString(f.lastGet.Key))
	}
	if f.delCalls != 1 || f.deletions[0] != "request-001.json" {
		t.Fatalf("expected exactly one delete of request-001.json, got %v", f.deletions)
	}
}

func TestSourceS3_Fetch_EmptyInbox(t *testing.T) {
	f := newFakeS3API()
	src := NewSourceS3(f, "bkt", DefaultSourceS3Config, zerolog.Nop())

	if _, ok := src.Fetch(context.Background()); ok {
		t.Fatalf("expected no delivery")
	}
	if f.listCalls != 1 {
		t.Fatalf("listCalls=%d want=1", f.listCalls)
	}
	if f.getCalls != 0 || f.delCalls != 0 {
		t.Fatalf("expected no get/delete, got get=%d delete=%d", f.getCalls, f.delCalls)
	}
}

func TestSourceS3_Fetch_ListErrorFailsOpen(t *testing.T) {
	f := newFakeS3API()
	f.put("a", sampleRequest)
	f.listErr = errors.New("boom")

	src := NewSourceS3(f, "bkt", DefaultSourceS3Config, zerolog.Nop())
	if _, ok := src.Fetch(context.Background()); ok {
		t.Fatalf("expected no delivery on list error")
	}
	if f.getCalls != 0 || f.delCalls != 0 {
		t.Fatalf("expected no get/delete after list error")
	}
}

func TestSourceS3_Fetch_GetErrorKeepsObject(t *testing.T) {
	f := newFakeS3API()
	f.put("a", sampleRequest)
	f.getErr = errors.New("boom")

	src := NewSourceS3(f, "bkt", DefaultSourceS3Config, zerolog.Nop())
	if _, ok := src.Fetch(context.Background()); ok {
		t.Fatalf("expected no delivery on get error")
	}
	if f.delCalls != 0 {
		t.Fatalf("object must stay in the inbox when it could not be read")
	}
}

func TestSourceS3_Fetch_DeleteErrorReturnsNothing(t *testing.T) {
	f := newFakeS3API()
	f.put("a", sampleRequest)
	f.delErr = errors.New("boom")

	src := NewSourceS3(f, "bkt", DefaultSourceS3Config, zerolog.Nop())
	if _, ok := src.Fetch(context.Background()); ok {
		t.Fatalf("a request that could not be consumed must not be handed out")
	}
}

func TestSourceS3_Fetch_MalformedObjectIsConsumed(t *testing.T) {
	f := newFakeS3API()
	f.put("bad.json", `{not json`)
	f.put("good.json", sampleRequest)

	src := NewSourceS3(f, "bkt", DefaultSourceS3Config, zerolog.Nop())
	ctx := context.Background()

	if _, ok := src.Fetch(ctx); ok {
		t.Fatalf("expected no delivery for malformed object")
	}
	d, ok := src.Fetch(ctx)
	if !ok || d.Request.WidgetID != "w-001" {
		t.Fatalf("inbox should progress past the malformed object, got ok=%v %+v", ok, d.Request)
	}
	if len(f.deletions) != 2 || f.deletions[0] != "bad.json" {
		t.Fatalf("deletions: %v", f.deletions)
	}
}

func TestSourceS3_PrefixIsPassedToList(t *testing.T) {
	f := newFakeS3API()
	cfg := DefaultSourceS3Config
	cfg.Prefix = "inbox/"

	src := NewSourceS3(f, "bkt", cfg, zerolog.Nop())
	src.Fetch(context.Background())

	if aws.ToString(f.lastList.Prefix) != "inbox/" {
		t.Fatalf("prefix: %q", aws.ToString(f.lastList.Prefix))
	}
}

func TestSourceS3_IdleDelayAndAck(t *testing.T) {
	src := NewSourceS3(newFakeS3API(), "bkt", DefaultSourceS3Config, zerolog.Nop())

	var _ Idler = src
	if src.IdleDelay() != DefaultSourceS3Config.IdleDelay {
		t.Fatalf("idle delay: %v", src.IdleDelay())
	}
	if err := src.Ack(context.Background(), AckHandle{}); err != nil {
		t.Fatalf("ack must be a no-op: %v", err)
	}
}

func TestNewSourceS3_PanicsWithoutBucket(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewSourceS3(newFakeS3API(), " ", DefaultSourceS3Config, zerolog.Nop())
}

package artifacts

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Store_Put_UploadsWithEncryption(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	st := NewS3StoreWithClient(client, "evidence")

	data := []byte("diff --git a/x b/x")
	w, err := st.Put(ctx, testRef, data)
	require.NoError(t, err)

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "evidence", *put.Bucket)
	assert.Equal(t, w.Key, *put.Key)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, put.ServerSideEncryption)
	assert.Equal(t, int64(len(data)), put.ContentLength)
	assert.Equal(t, "s3://evidence/"+w.Key, w.URI)

	got, err := st.Get(ctx, w.Key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestS3Store_Put_ExistingObjectSkipsUpload(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	st := NewS3StoreWithClient(client, "evidence")

	data := []byte("same bytes")
	first, err := st.Put(ctx, testRef, data)
	require.NoError(t, err)
	second, err := st.Put(ctx, testRef, data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, client.puts, 1)
}

func TestS3Store_Exists(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	st := NewS3StoreWithClient(client, "evidence")

	ok, err := st.Exists(ctx, "scm/AB/7/commit/abc123/nope.diff")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := st.Put(ctx, testRef, []byte("x"))
	require.NoError(t, err)
	ok, err = st.Exists(ctx, w.Key)
	require.NoError(t, err)
	assert.True(t, ok)
}

package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "clip.wav", []byte("hello")))

	obj, ok, err := s.Get(ctx, "clip.wav")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(obj.Body))
	assert.Equal(t, "audio/wav", obj.ContentType)
	assert.Equal(t, int64(5), obj.Size)
}

func TestGetMissingObjectIsNotAnError(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	obj, ok, err := s.Get(context.Background(), "nope.mp3")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Object{}, obj)
}

func TestListSortedByNameWithMetadata(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "b.ogg", []byte("bb")))
	require.NoError(t, s.Put(ctx, "a.flac", []byte("a")))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	names := []string{infos[0].Name, infos[1].Name}
	assert.Equal(t, []string{"a.flac", "b.ogg"}, names)
	assert.Equal(t, int64(1), infos[0].Size)
	assert.Equal(t, int64(2), infos[1].Size)
}

func TestContentTypeInferenceBySuffix(t *testing.T) {
	assert.Equal(t, "audio/mpeg", contentTypeFor("song.mp3"))
	assert.Equal(t, "audio/wav", contentTypeFor("clip.WAV"))
	assert.Equal(t, "audio/ogg", contentTypeFor("x.ogg"))
	assert.Equal(t, "audio/flac", contentTypeFor("x.flac"))
	assert.Equal(t, "audio/mp4", contentTypeFor("x.m4a"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("x.bin"))
}

func TestPathForRejectsTraversal(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	path := s.pathFor("../../etc/passwd")
	assert.Equal(t, s.dir+"/passwd", path)
}

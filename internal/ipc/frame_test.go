package ipc

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("interfaces:\n- name: eth0\n")

	require.NoError(t, WriteFrame(&buf, body))
	assert.Equal(t, 4+len(body), buf.Len())

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, 4, buf.Len())

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte("x"), 100)))

	_, err := ReadFrame(&buf, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("full body here")))

	// Chop the body short
	raw := buf.Bytes()[:buf.Len()-5]

	_, err := ReadFrame(bytes.NewReader(raw), 0)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := &Request{
		ID:    "req-1",
		Verb:  VerbQuery,
		Scope: []string{"eth0", "br0"},
	}
	require.NoError(t, WriteMessage(&buf, req))

	var got Request
	require.NoError(t, ReadMessage(&buf, 0, &got))
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, VerbQuery, got.Verb)
	assert.Equal(t, []string{"eth0", "br0"}, got.Scope)
}

func TestKnownVerb(t *testing.T) {
	for _, v := range []Verb{VerbQuery, VerbApply, VerbCommit, VerbRollback,
		VerbCheckpoints, VerbPlugins, VerbStatus, VerbSubscribe} {
		assert.True(t, KnownVerb(v), "verb %s", v)
	}
	assert.False(t, KnownVerb("reboot"))
	assert.False(t, KnownVerb(""))
}

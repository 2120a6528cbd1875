package media

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall/internal/domain"
	"peercall/pkg/errors"
)

func TestSyntheticGateway_AudioOnly(t *testing.T) {
	g := NewSyntheticGateway()

	stream, err := g.Acquire(context.Background(), domain.MediaAudio)
	require.NoError(t, err)

	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, stream.Tracks()[0].Kind())
	assert.Empty(t, stream.TracksOfKind(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, 1, g.LiveTracks())

	stream.Stop()
	assert.Equal(t, 0, g.LiveTracks())
}

func TestSyntheticGateway_VideoRequestsCameraAndMic(t *testing.T) {
	g := NewSyntheticGateway()

	stream, err := g.Acquire(context.Background(), domain.MediaVideo)
	require.NoError(t, err)

	assert.Len(t, stream.TracksOfKind(webrtc.RTPCodecTypeAudio), 1)
	assert.Len(t, stream.TracksOfKind(webrtc.RTPCodecTypeVideo), 1)
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.Enabled())
		assert.NotNil(t, tr.Local())
	}
	stream.Stop()
}

func TestLocalStream_StopIsIdempotent(t *testing.T) {
	g := NewSyntheticGateway()
	stream, err := g.Acquire(context.Background(), domain.MediaVideo)
	require.NoError(t, err)

	stream.Stop()
	stream.Stop()
	for _, tr := range stream.Tracks() {
		tr.Stop()
		assert.True(t, tr.Stopped())
	}
	assert.Equal(t, 0, g.LiveTracks(), "each track is released exactly once")
}

func TestSyntheticGateway_Denied(t *testing.T) {
	g := NewSyntheticGateway()
	g.Deny(stderrors.New("permission denied"))

	stream, err := g.Acquire(context.Background(), domain.MediaAudio)

	assert.Nil(t, stream)
	assert.True(t, errors.HasCode(err, errors.ErrCodeMediaAcquisitionDenied))
	assert.Equal(t, 0, g.LiveTracks())
}

func TestSyntheticGateway_CancelWhilePending(t *testing.T) {
	g := NewSyntheticGateway()
	release := make(chan struct{})
	g.HoldUntil(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, domain.MediaVideo)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return g.Acquisitions() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return promptly after cancel")
	}

	// the capture completes later and must be released, never leaked
	close(release)
	assert.Eventually(t, func() bool { return g.LiveTracks() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSyntheticGateway_AlreadyCancelled(t *testing.T) {
	g := NewSyntheticGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Acquire(ctx, domain.MediaAudio)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.Acquisitions())
}

func TestSyntheticGateway_InvalidKind(t *testing.T) {
	_, err := NewSyntheticGateway().Acquire(context.Background(), domain.MediaKind("SCREEN"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestSyntheticGateway_ConfigureCodecs(t *testing.T) {
	m := &webrtc.MediaEngine{}
	require.NoError(t, NewSyntheticGateway().ConfigureCodecs(m))
}

func TestRemoteStream(t *testing.T) {
	s := NewRemoteStream()

	assert.True(t, s.Add(RemoteTrack{ID: "a1", Kind: webrtc.RTPCodecTypeAudio}))
	assert.True(t, s.HasKind(webrtc.RTPCodecTypeAudio))
	assert.False(t, s.HasKind(webrtc.RTPCodecTypeVideo))

	s.Stop()
	s.Stop()
	assert.True(t, s.Stopped())
	assert.False(t, s.Add(RemoteTrack{ID: "v1", Kind: webrtc.RTPCodecTypeVideo}), "stopped stream refuses tracks")
	assert.Len(t, s.Tracks(), 1)
}

func TestLocalStream_InfoReflectsToggles(t *testing.T) {
	stream, err := NewSyntheticGateway().Acquire(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	defer stream.Stop()

	stream.TracksOfKind(webrtc.RTPCodecTypeVideo)[0].SetEnabled(false)

	info := stream.Info()
	assert.Equal(t, stream.ID(), info.ID)
	require.Len(t, info.Tracks, 2)
	for _, tr := range info.Tracks {
		assert.Equal(t, tr.Kind == webrtc.RTPCodecTypeAudio, tr.Enabled)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Bandmate/core/format"
	"Bandmate/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePublicURL(t *testing.T) {
	var gotPath string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":               true,
			"url":              "https://cdn.example.com/tracks/abc_track.mp3",
			"storage_type":     "r2",
			"publicUrl":        "https://cdn.example.com/tracks/abc_track.mp3",
			"transcoded":       false,
			"quality":          "mp3-320",
			"originalFilename": "track.mp3",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	result, err := client.Store(context.Background(), Request{
		AudioURL: "https://temp.example.com/link",
		FileName: "track.mp3",
		Quality:  format.QualityMP3320,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/process-audio", gotPath)
	assert.Equal(t, "track.mp3", gotReq.FileName)
	assert.False(t, result.Transcoded)
	assert.Equal(t, model.StoragePublicURL, result.Descriptor.Kind)
	assert.Equal(t, "https://cdn.example.com/tracks/abc_track.mp3", result.Descriptor.DurableRef())
	assert.Equal(t, "r2", result.Descriptor.BackendHint)
}

func TestTranscodePrivateKey(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":               true,
			"url":              "https://minio.internal/presigned?sig=xyz",
			"storage_type":     "minio",
			"storage_key":      "tracks/abc_song.mp3",
			"transcoded":       true,
			"quality":          "mp3-320",
			"originalFilename": "song.wav",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	result, err := client.Transcode(context.Background(), Request{
		AudioURL: "https://temp.example.com/link",
		FileName: "song.wav",
		Quality:  format.QualityMP3320,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/transcode-audio", gotPath)
	assert.True(t, result.Transcoded)
	assert.Equal(t, model.StoragePrivateKey, result.Descriptor.Kind)
	assert.Equal(t, "tracks/abc_song.mp3", result.Descriptor.DurableRef())
	// 落库引用绝不是时效性播放URL
	assert.NotEqual(t, result.PlaybackURL, result.Descriptor.DurableRef())
}

func TestNon2xxIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream transcoder crashed"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.Store(context.Background(), Request{AudioURL: "x", FileName: "track.mp3"})
	require.Error(t, err)

	assert.Equal(t, model.KindGateway, model.KindOf(err))
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream transcoder crashed")
}

func TestOKFalseIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":    false,
			"error": "ffmpeg exited with code 1",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 5*time.Second)
	_, err := client.Transcode(context.Background(), Request{AudioURL: "x", FileName: "song.wav"})
	require.Error(t, err)

	assert.Equal(t, model.KindGateway, model.KindOf(err))
	assert.Contains(t, err.Error(), "ffmpeg exited with code 1")
}

func TestDescriptorContractViolations(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			"neither url nor key",
			map[string]interface{}{"ok": true, "url": "https://x/y", "storage_type": "minio"},
		},
		{
			"both url and key",
			map[string]interface{}{
				"ok": true, "url": "https://x/y", "storage_type": "minio",
				"publicUrl": "https://cdn/x", "storage_key": "tracks/x",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, 5*time.Second)
			_, err := client.Store(context.Background(), Request{AudioURL: "x", FileName: "track.mp3"})
			require.Error(t, err)
			assert.Equal(t, model.KindValidation, model.KindOf(err))
		})
	}
}

func TestDeadlineExceededIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	// 超时由客户端截止时间触发，必须归类为timeout而不是瞬时网络错误
	client := NewClient(srv.URL, 100*time.Millisecond)
	_, err := client.Store(context.Background(), Request{AudioURL: "x", FileName: "track.mp3"})
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestUnreachableGatewayIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)
	_, err := client.Store(context.Background(), Request{AudioURL: "x", FileName: "track.mp3"})
	require.Error(t, err)
	assert.Equal(t, model.KindTransientNetwork, model.KindOf(err))
}

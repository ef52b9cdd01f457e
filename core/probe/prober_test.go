package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeDurationFallsBackWhenFFprobeUnavailable(t *testing.T) {
	// 指向不存在的可执行文件，探测必须返回兜底时长而不是报错
	p := NewProber("/nonexistent/bin/ffmpeg").WithTimeout(500 * time.Millisecond)

	got := p.ProbeDuration(context.Background(), "http://example.com/song.mp3")
	assert.Equal(t, FallbackDuration, got)
}

func TestProbeDurationFallsBackOnCanceledContext(t *testing.T) {
	p := NewProber("/nonexistent/bin/ffmpeg").WithTimeout(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := p.ProbeDuration(ctx, "http://example.com/song.mp3")
	assert.Equal(t, FallbackDuration, got)
}

func TestProbeTagsNeverFails(t *testing.T) {
	// 非音频内容：标签解析失败但返回空Tags
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not an audio file"))
	}))
	defer srv.Close()

	p := NewProber("ffmpeg").WithTimeout(2 * time.Second)
	tags := p.ProbeTags(context.Background(), srv.URL, "song.mp3")
	assert.Equal(t, Tags{}, tags)
}

func TestProbeTagsEmptyOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProber("ffmpeg").WithTimeout(2 * time.Second)
	tags := p.ProbeTags(context.Background(), srv.URL, "song.mp3")
	assert.Equal(t, Tags{}, tags)
}

func TestProbeTagsEmptyOnUnreachableHost(t *testing.T) {
	p := NewProber("ffmpeg").WithTimeout(500 * time.Millisecond)
	tags := p.ProbeTags(context.Background(), "http://127.0.0.1:1/song.mp3", "song.mp3")
	assert.Equal(t, Tags{}, tags)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{125, "2:05"},
		{200, "3:20"},
		{59, "0:59"},
		{60, "1:00"},
		{61.9, "1:01"}, // 截断，不四舍五入
		{180, "3:00"},
		{600, "10:00"},
		{3725, "62:05"},
		{0, "--:--"},
		{-5, "--:--"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds), "seconds=%v", tt.seconds)
	}
}

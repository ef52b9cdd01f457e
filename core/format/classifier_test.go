package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupportedAudio(t *testing.T) {
	tests := []struct {
		name      string
		supported bool
	}{
		{"song.mp3", true},
		{"song.wav", true},
		{"song.m4a", true},
		{"song.flac", true},
		{"song.aac", true},
		{"song.ogg", true},
		{"song.wma", true},
		{"song.aif", true},
		{"song.aiff", true},
		{"SONG.MP3", true},  // 扩展名大小写不敏感
		{"demo.WaV", true},
		{"notes.txt", false},
		{"cover.jpg", false},
		{"archive.zip", false},
		{"noextension", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.supported, IsSupportedAudio(tt.name), "file %q", tt.name)
	}
}

func TestNeedsTranscode(t *testing.T) {
	tests := []struct {
		name      string
		transcode bool
	}{
		{"song.wav", true},
		{"song.aif", true},
		{"song.aiff", true},
		{"song.flac", true},
		{"Song.FLAC", true},
		{"song.mp3", false},
		{"song.m4a", false},
		{"song.aac", false},
		{"song.ogg", false},
		{"song.wma", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.transcode, NeedsTranscode(tt.name), "file %q", tt.name)
	}
}

func TestParseQuality(t *testing.T) {
	assert.Equal(t, QualityMP3320, ParseQuality("mp3-320"))
	assert.Equal(t, QualityAAC320, ParseQuality("aac-320"))

	// 损坏或未知的偏好回退到mp3-320，绝不阻塞导入
	assert.Equal(t, QualityMP3320, ParseQuality(""))
	assert.Equal(t, QualityMP3320, ParseQuality("flac-lossless"))
	assert.Equal(t, QualityMP3320, ParseQuality("garbage"))
}

func TestQualityOutputs(t *testing.T) {
	assert.Equal(t, "mp3", QualityMP3320.Codec())
	assert.Equal(t, ".mp3", QualityMP3320.OutputExt())
	assert.Equal(t, "320k", QualityMP3320.Bitrate())

	assert.Equal(t, "aac", QualityAAC320.Codec())
	assert.Equal(t, ".m4a", QualityAAC320.OutputExt())
	assert.Equal(t, "320k", QualityAAC320.Bitrate())
}

package format

import (
	"path/filepath"
	"strings"
)

// 支持导入的音频扩展名
var supportedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".aac":  true,
	".ogg":  true,
	".wma":  true,
	".aif":  true,
	".aiff": true,
}

// 必须先转码才能入库播放的格式
var mustConvertExtensions = map[string]bool{
	".wav":  true,
	".aif":  true,
	".aiff": true,
	".flac": true,
}

// IsSupportedAudio reports whether the filename carries a supported audio extension.
func IsSupportedAudio(displayName string) bool {
	return supportedExtensions[normalizeExt(displayName)]
}

// NeedsTranscode 判断该文件名是否必须经过转码才能入库。
// 这是一个硬分支：决定调用网关的哪条路径，而不是提示。
func NeedsTranscode(displayName string) bool {
	return mustConvertExtensions[normalizeExt(displayName)]
}

func normalizeExt(displayName string) string {
	return strings.ToLower(filepath.Ext(displayName))
}

// Quality 用户音质偏好
type Quality string

const (
	QualityMP3320 Quality = "mp3-320"
	QualityAAC320 Quality = "aac-320"
)

// ParseQuality returns the quality preference, falling back to mp3-320 for
// unknown values so a corrupted preference never blocks an import.
func ParseQuality(s string) Quality {
	switch Quality(s) {
	case QualityMP3320, QualityAAC320:
		return Quality(s)
	default:
		return QualityMP3320
	}
}

// Codec 输出编码器名称，供网关转码路径使用
func (q Quality) Codec() string {
	if q == QualityAAC320 {
		return "aac"
	}
	return "mp3"
}

// Bitrate 目标码率
func (q Quality) Bitrate() string {
	return "320k"
}

// OutputExt 转码产物的文件扩展名
func (q Quality) OutputExt() string {
	if q == QualityAAC320 {
		return ".m4a"
	}
	return ".mp3"
}

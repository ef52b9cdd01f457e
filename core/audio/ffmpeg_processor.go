package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"Bandmate/logger"
)

// FFmpegProcessor implements the Processor interface using ffmpeg.
type FFmpegProcessor struct {
	ffmpegPath string
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
func NewFFmpegProcessor(ffmpegPath string) *FFmpegProcessor {
	return &FFmpegProcessor{ffmpegPath: ffmpegPath}
}

// FFmpegPath 返回ffmpeg可执行文件路径
func (p *FFmpegProcessor) FFmpegPath() string {
	return p.ffmpegPath
}

// getAudioFormat 获取音频文件的编码格式
func (p *FFmpegProcessor) getAudioFormat(inputFile string) (string, error) {
	ffprobePath := strings.Replace(p.ffmpegPath, "ffmpeg", "ffprobe", 1)

	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "json",
		inputFile,
	}

	cmd := exec.Command(ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", inputFile, err, stderr.String())
	}

	var probeData struct {
		Streams []struct {
			CodecName string `json:"codec_name"`
		} `json:"streams"`
	}

	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return "", fmt.Errorf("failed to unmarshal ffprobe output: %w", err)
	}

	if len(probeData.Streams) == 0 {
		return "", fmt.Errorf("no audio streams found in file")
	}

	return probeData.Streams[0].CodecName, nil
}

// Transcode converts inputFile to the target codec at the given bitrate and
// writes the result to outputFile.
func (p *FFmpegProcessor) Transcode(ctx context.Context, inputFile, outputFile, codec, bitrate string) error {
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	encoder := "libmp3lame"
	if codec == "aac" {
		encoder = "aac"
	}

	args := []string{
		"-y",
		"-i", inputFile,
		"-vn",
		"-c:a", encoder,
		"-b:a", bitrate,
	}

	// FLAC源使用采样格式过滤器，避免位深不匹配
	if format, err := p.getAudioFormat(inputFile); err == nil && format == "flac" {
		args = append(args, "-af", "aformat=sample_fmts=fltp")
	}

	args = append(args, outputFile)

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("执行FFmpeg转码",
		logger.String("input", inputFile),
		logger.String("output", outputFile),
		logger.String("encoder", encoder))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg execution failed for %s: %w\nFFmpeg Error: %s", inputFile, err, stderr.String())
	}

	logger.Info("转码完成",
		logger.String("input", inputFile),
		logger.String("output", outputFile))
	return nil
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// GetAudioDuration uses ffprobe to get the duration of an audio file in seconds.
func (p *FFmpegProcessor) GetAudioDuration(inputFile string) (float64, error) {
	ffprobePath := strings.Replace(p.ffmpegPath, "ffmpeg", "ffprobe", 1)

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		inputFile,
	}

	cmd := exec.Command(ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", inputFile, err, stderr.String())
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w\nFFprobe Output: %s", inputFile, err, out.String())
	}

	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output for %s\nFFprobe Output: %s", inputFile, out.String())
	}

	duration, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string \"%s\" for %s: %w", probeData.Format.Duration, inputFile, err)
	}

	return duration, nil
}

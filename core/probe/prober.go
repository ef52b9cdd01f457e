package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"Bandmate/logger"

	"github.com/dhowden/tag"
)

const (
	// DefaultTimeout 时长探测的固定超时
	DefaultTimeout = 15 * time.Second
	// FallbackDuration 探测失败或超时时返回的兜底时长（秒）
	FallbackDuration = 180.0
	// maxTagDownload caps how much of the resource is pulled for tag parsing.
	maxTagDownload = 16 << 20
)

// Tags 从文件内嵌标签尽力提取的元数据
type Tags struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// Prober resolves playable duration and embedded tags for audio resources
// reachable over a URL. Probing never fails the caller: on error or timeout
// the duration falls back to FallbackDuration and tags come back empty.
type Prober struct {
	ffprobePath string
	httpClient  *http.Client
	timeout     time.Duration
}

// NewProber 创建探测器。ffmpegPath 为 ffmpeg 可执行文件路径，
// ffprobe 按惯例与其同目录。
func NewProber(ffmpegPath string) *Prober {
	return &Prober{
		ffprobePath: strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1),
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		timeout:     DefaultTimeout,
	}
}

// WithTimeout 覆盖探测超时，主要用于测试
func (p *Prober) WithTimeout(d time.Duration) *Prober {
	p.timeout = d
	p.httpClient.Timeout = d
	return p
}

// ProbeDuration determines the decoded duration in seconds of the resource at url.
// It races ffprobe against the fixed timeout; on any error or timeout it returns
// FallbackDuration rather than failing the caller.
func (p *Prober) ProbeDuration(ctx context.Context, url string) float64 {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	seconds, err := p.runFFprobe(ctx, url)
	if err != nil {
		logger.Warn("时长探测失败，使用兜底时长",
			logger.String("url", truncate(url, 120)),
			logger.Float64("fallback", FallbackDuration),
			logger.ErrorField(err))
		return FallbackDuration
	}
	if seconds <= 0 {
		return FallbackDuration
	}
	return seconds
}

func (p *Prober) runFFprobe(ctx context.Context, url string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		url,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe timed out: %w", ctx.Err())
		}
		return 0, fmt.Errorf("ffprobe execution failed: %w\nFFprobe Error: %s", err, stderr.String())
	}

	var probeData struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output: %w", err)
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}

	seconds, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", probeData.Format.Duration, err)
	}
	return seconds, nil
}

// ProbeTags extracts embedded title/artist on a best-effort basis.
// Any failure yields empty Tags, never an error.
func (p *Prober) ProbeTags(ctx context.Context, url, filename string) Tags {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Tags{}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Debug("标签探测下载失败", logger.String("file", filename), logger.ErrorField(err))
		return Tags{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Tags{}
	}

	// dhowden/tag 需要 ReadSeeker，读入内存并封顶
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTagDownload))
	if err != nil {
		return Tags{}
	}

	meta, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		logger.Debug("标签解析失败", logger.String("file", filename), logger.ErrorField(err))
		return Tags{}
	}

	return Tags{
		Title:  strings.TrimSpace(meta.Title()),
		Artist: strings.TrimSpace(meta.Artist()),
	}
}

// FormatDuration renders seconds as M:SS with zero-padded seconds.
// An unresolvable duration renders as "--:--".
func FormatDuration(seconds float64) string {
	if seconds <= 0 {
		return "--:--"
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

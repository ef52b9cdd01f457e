package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Bandmate/config"
	"Bandmate/core/audio"
	"Bandmate/core/format"
	"Bandmate/logger"
	"Bandmate/storage"

	"github.com/google/uuid"
)

const presignExpiry = time.Hour

// ProcessHandler 音频处理网关的服务端实现。
// 直存路径原样落盘，转码路径先经FFmpeg再落盘，两条路径返回相同的wire格式。
type ProcessHandler struct {
	processor audio.Processor
	store     *storage.ObjectStore
	cfg       *config.Config
}

// NewProcessHandler 创建音频处理器
func NewProcessHandler(processor audio.Processor, store *storage.ObjectStore, cfg *config.Config) *ProcessHandler {
	return &ProcessHandler{processor: processor, store: store, cfg: cfg}
}

type processRequest struct {
	AudioURL string `json:"audioUrl"`
	FileName string `json:"fileName"`
	Quality  string `json:"quality"`
}

type processResponse struct {
	OK               bool   `json:"ok"`
	URL              string `json:"url,omitempty"`
	StorageType      string `json:"storage_type,omitempty"`
	StorageKey       string `json:"storage_key,omitempty"`
	PublicURL        string `json:"publicUrl,omitempty"`
	Transcoded       bool   `json:"transcoded"`
	Quality          string `json:"quality,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ProcessAudioHandler 直存路径：源文件已是压缩格式，不改字节原样入桶
func (h *ProcessHandler) ProcessAudioHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	localPath, cleanup, err := h.fetchSource(r.Context(), req.AudioURL, req.FileName)
	if err != nil {
		h.fail(w, http.StatusBadGateway, fmt.Sprintf("拉取源文件失败: %v", err))
		return
	}
	defer cleanup()

	key := objectKey(req.FileName, filepath.Ext(req.FileName))
	if err := h.putFile(r.Context(), key, localPath); err != nil {
		h.fail(w, http.StatusInternalServerError, fmt.Sprintf("对象上传失败: %v", err))
		return
	}

	h.respond(w, key, req, false, req.Quality)
}

// TranscodeAudioHandler 转码路径：按请求音质转成压缩格式后入桶
func (h *ProcessHandler) TranscodeAudioHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	localPath, cleanup, err := h.fetchSource(r.Context(), req.AudioURL, req.FileName)
	if err != nil {
		h.fail(w, http.StatusBadGateway, fmt.Sprintf("拉取源文件失败: %v", err))
		return
	}
	defer cleanup()

	quality := format.ParseQuality(req.Quality)
	outPath := filepath.Join(h.cfg.TempDir, uuid.NewString()+quality.OutputExt())
	defer os.Remove(outPath)

	if err := h.processor.Transcode(r.Context(), localPath, outPath, quality.Codec(), quality.Bitrate()); err != nil {
		h.fail(w, http.StatusInternalServerError, fmt.Sprintf("转码失败: %v", err))
		return
	}

	key := objectKey(req.FileName, quality.OutputExt())
	if err := h.putFile(r.Context(), key, outPath); err != nil {
		h.fail(w, http.StatusInternalServerError, fmt.Sprintf("对象上传失败: %v", err))
		return
	}

	h.respond(w, key, req, true, string(quality))
}

func (h *ProcessHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (*processRequest, bool) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "请求体解析失败")
		return nil, false
	}
	if req.AudioURL == "" || req.FileName == "" {
		h.fail(w, http.StatusBadRequest, "audioUrl和fileName不能为空")
		return nil, false
	}
	return &req, true
}

// fetchSource 把源音频取到本地临时文件。
// http(s)以外的引用按本地路径处理，服务于投递目录导入。
func (h *ProcessHandler) fetchSource(ctx context.Context, audioURL, fileName string) (string, func(), error) {
	if !strings.HasPrefix(audioURL, "http://") && !strings.HasPrefix(audioURL, "https://") {
		if _, err := os.Stat(audioURL); err != nil {
			return "", nil, fmt.Errorf("本地文件不可读: %w", err)
		}
		return audioURL, func() {}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("源地址返回状态 %d", resp.StatusCode)
	}

	if err := os.MkdirAll(h.cfg.TempDir, 0755); err != nil {
		return "", nil, err
	}
	tmpPath := filepath.Join(h.cfg.TempDir, uuid.NewString()+filepath.Ext(fileName))
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", nil, err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(tmpPath)
		return "", nil, err
	}
	return tmpPath, func() { os.Remove(tmpPath) }, nil
}

func (h *ProcessHandler) putFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return h.store.Put(ctx, key, f, info.Size(), storage.InferContentType(key))
}

func (h *ProcessHandler) respond(w http.ResponseWriter, key string, req *processRequest, transcoded bool, quality string) {
	resp := processResponse{
		OK:               true,
		StorageType:      "minio",
		Transcoded:       transcoded,
		Quality:          quality,
		OriginalFilename: req.FileName,
	}

	// 配置了公开访问时返回公开URL，否则只交出私有key，播放地址走签名URL
	if publicURL := h.store.PublicURL(key); publicURL != "" {
		resp.PublicURL = publicURL
		resp.URL = publicURL
	} else {
		resp.StorageKey = key
		signed, err := h.store.PresignedURL(context.Background(), key, presignExpiry)
		if err != nil {
			h.fail(w, http.StatusInternalServerError, fmt.Sprintf("签发播放URL失败: %v", err))
			return
		}
		resp.URL = signed
	}

	logger.Info("音频处理完成",
		logger.String("file", req.FileName),
		logger.String("key", key),
		logger.Bool("transcoded", transcoded))
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProcessHandler) fail(w http.ResponseWriter, status int, msg string) {
	logger.Warn("音频处理失败", logger.String("reason", msg))
	writeJSON(w, status, processResponse{OK: false, Error: msg})
}

// objectKey 为入桶对象生成不冲突的key，保留原始文件名便于排查
func objectKey(fileName, ext string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	base = strings.ReplaceAll(base, " ", "_")
	return fmt.Sprintf("tracks/%s_%s%s", uuid.NewString()[:8], base, ext)
}

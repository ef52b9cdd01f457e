package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"Bandmate/core/format"
	"Bandmate/logger"
	"Bandmate/model"
)

// Request 网关调用参数
type Request struct {
	AudioURL string         `json:"audioUrl"`
	FileName string         `json:"fileName"`
	Quality  format.Quality `json:"quality"`
}

// Result 网关调用结果。
// PlaybackURL 时效性播放地址，仅用于时长探测；Descriptor 才是入库的持久引用。
type Result struct {
	PlaybackURL      string
	Descriptor       model.StorageDescriptor
	Transcoded       bool
	Quality          string
	OriginalFilename string
}

// Client 转码/存储网关客户端。
// 两条互斥的调用路径由分类器的判定选择：直存或先转码再存。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建网关客户端，timeout 为单次调用的截止时间（大文件建议60s）
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Store 直存路径：源文件已是压缩格式，原样落盘
func (c *Client) Store(ctx context.Context, req Request) (*Result, error) {
	return c.call(ctx, "/api/process-audio", req)
}

// Transcode 转码路径：先按Quality转码再落盘
func (c *Client) Transcode(ctx context.Context, req Request) (*Result, error) {
	return c.call(ctx, "/api/transcode-audio", req)
}

type wireResponse struct {
	OK               bool   `json:"ok"`
	URL              string `json:"url"`
	StorageType      string `json:"storage_type"`
	StorageKey       string `json:"storage_key"`
	PublicURL        string `json:"publicUrl"`
	Transcoded       bool   `json:"transcoded"`
	Quality          string `json:"quality"`
	OriginalFilename string `json:"originalFilename"`
	Error            string `json:"error"`
}

func (c *Client) call(ctx context.Context, endpoint string, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, model.NewImportError(model.KindOther, "failed to encode gateway request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, model.NewImportError(model.KindOther, "failed to create gateway request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// 客户端超时经由url.Error上报，不会出现在调用方ctx上
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, model.NewImportError(model.KindTimeout, "gateway call exceeded deadline", err)
		}
		return nil, model.NewImportError(model.KindTransientNetwork, "gateway request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.NewImportError(model.KindTransientNetwork, "failed to read gateway response", err)
	}

	// 非2xx一律带状态码和截断的响应体上抛，绝不静默吞掉
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewImportError(model.KindGateway,
			fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, truncate(string(body), 200)), nil)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, model.NewImportError(model.KindGateway, "failed to decode gateway response", err)
	}
	if !wire.OK {
		return nil, model.NewImportError(model.KindGateway,
			fmt.Sprintf("gateway reported failure: %s", truncate(wire.Error, 200)), nil)
	}

	descriptor := model.StorageDescriptor{
		PublicURL:   wire.PublicURL,
		PrivateKey:  wire.StorageKey,
		BackendHint: wire.StorageType,
	}
	if descriptor.PublicURL != "" {
		descriptor.Kind = model.StoragePublicURL
	} else {
		descriptor.Kind = model.StoragePrivateKey
	}
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	logger.Info("网关调用完成",
		logger.String("endpoint", endpoint),
		logger.String("file", req.FileName),
		logger.Bool("transcoded", wire.Transcoded),
		logger.Duration("elapsed", time.Since(start)))

	return &Result{
		PlaybackURL:      wire.URL,
		Descriptor:       descriptor,
		Transcoded:       wire.Transcoded,
		Quality:          wire.Quality,
		OriginalFilename: wire.OriginalFilename,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

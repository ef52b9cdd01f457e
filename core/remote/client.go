package remote

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

	"Bandmate/logger"
	"Bandmate/model"
)

// Client 远程网盘API客户端。
// 封装 list_folder / list_folder/continue / get_temporary_link 三个端点，
// 并把传输层错误归类为可重试/需重新授权两类。
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	token string
}

// NewClient 创建远程网盘客户端
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		token: token,
	}
}

// SetToken 更新访问令牌（重新授权后调用）
func (c *Client) SetToken(token string) {
	c.token = token
}

type listEntry struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

type listFolderResponse struct {
	Entries []listEntry `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

func (c *Client) listFolder(ctx context.Context, path string) (*listFolderResponse, error) {
	var resp listFolderResponse
	err := c.post(ctx, "/files/list_folder", map[string]interface{}{"path": path}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) listFolderContinue(ctx context.Context, cursor string) (*listFolderResponse, error) {
	var resp listFolderResponse
	err := c.post(ctx, "/files/list_folder/continue", map[string]interface{}{"cursor": cursor}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTemporaryLink 获取一个时效性的播放URL，仅用于探测和转码输入，绝不落库
func (c *Client) GetTemporaryLink(ctx context.Context, path string) (string, error) {
	var resp struct {
		Link string `json:"link"`
	}
	if err := c.post(ctx, "/files/get_temporary_link", map[string]interface{}{"path": path}, &resp); err != nil {
		return "", err
	}
	if resp.Link == "" {
		return "", model.NewImportError(model.KindOther, "remote api returned empty temporary link", nil)
	}
	return resp.Link, nil
}

// ResolveURL 实现导入编排器的链接解析：远程路径换取临时播放链接
func (c *Client) ResolveURL(ctx context.Context, sourceRef string) (string, error) {
	return c.GetTemporaryLink(ctx, sourceRef)
}

// post 发送带bearer token的JSON请求并按状态码归类错误
func (c *Client) post(ctx context.Context, endpoint string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.NewImportError(model.KindOther, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.NewImportError(model.KindOther, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// 客户端超时经由url.Error上报，不会出现在调用方ctx上
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return model.NewImportError(model.KindTimeout, "remote api request timed out", err)
		}
		return model.NewImportError(model.KindTransientNetwork, "remote api request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.NewImportError(model.KindTransientNetwork, "failed to read remote api response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusUnauthorized:
		logger.Warn("远程网盘token失效", logger.String("endpoint", endpoint))
		return model.NewImportError(model.KindAuthExpired,
			"remote storage token expired or invalid", nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return model.NewImportError(model.KindTransientNetwork,
			fmt.Sprintf("remote api returned status %d", resp.StatusCode), nil)
	default:
		return model.NewImportError(model.KindOther,
			fmt.Sprintf("remote api returned status %d: %s", resp.StatusCode, truncate(string(body), 200)), nil)
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return model.NewImportError(model.KindOther, "failed to decode remote api response", err)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

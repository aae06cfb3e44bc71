// Package client 是 pispeak HTTP 接口的 Go 客户端，供命令行工具使用。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/queue"
)

// DefaultBaseURL 服务默认监听地址。
const DefaultBaseURL = "http://localhost:8912"

// APIError 是服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client 调用 pispeak 服务。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New 创建客户端。baseURL 为空时使用 DefaultBaseURL，token 为空时不发送认证头。
func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Speak 提交一段文本，返回任务 ID。
func (c *Client) Speak(ctx context.Context, text string, priority bool) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	body := map[string]any{"text": text, "priority": priority}
	if err := c.do(ctx, http.MethodPost, "/tts", body, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Status 返回服务整体状态。
func (c *Client) Status(ctx context.Context) (pipeline.Status, error) {
	var st pipeline.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Task 返回单个任务的状态。
func (c *Client) Task(ctx context.Context, id string) (queue.Item, error) {
	var it queue.Item
	err := c.do(ctx, http.MethodGet, "/status/"+id, nil, &it)
	return it, err
}

// Pause 暂停出队。
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pause", nil, nil)
}

// Resume 恢复出队。
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil, nil)
}

// Stop 清空队列并打断当前播放。
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil)
}

// Wait 轮询任务状态直到进入终态或 ctx 结束。
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (queue.Item, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		it, err := c.Task(ctx, id)
		if err != nil {
			return queue.Item{}, err
		}
		if it.Status.Terminal() {
			return it, nil
		}
		select {
		case <-ctx.Done():
			return it, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求 %s %s 失败: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// IsNotFound 判断错误是否为 404。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

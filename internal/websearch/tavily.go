// Package websearch queries the Tavily search API for general web results.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
)

// DefaultEndpoint 是 Tavily 搜索接口地址。
const DefaultEndpoint = "https://api.tavily.com/search"

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Client 调用 Tavily 搜索接口。
type Client struct {
	apiKey     string
	endpoint   string
	maxResults int
	httpClient *http.Client
}

// Option 定义可选配置。
type Option func(*Client)

// WithEndpoint 覆盖接口地址。
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient 使用自定义 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient 创建 Tavily 客户端，maxResults 不大于 0 时默认 3。
func NewClient(apiKey string, maxResults int, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Tavily API key 未配置")
	}
	if maxResults <= 0 {
		maxResults = 3
	}
	c := &Client{
		apiKey:     apiKey,
		endpoint:   DefaultEndpoint,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Search 执行一次搜索，结果数量不超过 maxResults。
func (c *Client) Search(ctx context.Context, query string) ([]conversation.WebResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "搜索关键词不能为空")
	}
	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用 Tavily 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := xerrors.CodeUpstreamFailure
		if resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeRateLimited
		}
		return nil, xerrors.New(code, fmt.Sprintf("Tavily 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 Tavily 响应失败")
	}
	results := make([]conversation.WebResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if len(results) == c.maxResults {
			break
		}
		results = append(results, conversation.WebResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	return results, nil
}

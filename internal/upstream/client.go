// Package upstream 负责从 CLIProxyAPI 管理端拉取累计用量报告。
// 只产出 Report 或带类型的错误，不掺杂任何业务逻辑。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const fetchTimeout = 30 * time.Second

var (
	// ErrUpstream 上游不可达或非 2xx（瞬时错误，下个周期重试）
	ErrUpstream = errors.New("上游用量接口请求失败")
	// ErrParse 响应体不是期望的形状
	ErrParse = errors.New("上游用量报告解析失败")
)

// StatusError 上游返回非 2xx
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("上游用量接口返回 %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Detail 单次请求的 token 明细
type Detail struct {
	InputTokens  int64
	OutputTokens int64
}

// ModelReport 单个模型的累计计数
type ModelReport struct {
	TotalRequests int64
	TotalTokens   int64
	Details       []Detail
}

// EndpointReport 单个 API endpoint 下的模型集合
type EndpointReport struct {
	Models map[string]ModelReport
}

// Report 一份上游累计用量报告
type Report struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalTokens   int64
	APIs          map[string]EndpointReport
	RawJSON       []byte
}

type Client struct {
	baseURL string
	mgmtKey string
	http    *http.Client
}

func NewClient(baseURL, mgmtKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		mgmtKey: mgmtKey,
		http:    &http.Client{Timeout: fetchTimeout},
	}
}

// FetchReport 拉取 /v0/management/usage 并解析
func (c *Client) FetchReport(ctx context.Context) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v0/management/usage", nil)
	if err != nil {
		return nil, err
	}
	if c.mgmtKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.mgmtKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	return ParseReport(body)
}

// ParseReport 容错解析：未知字段忽略，必需字段缺失报 ErrParse。
// 计数字段兼容 success_count/success 两种命名。
func ParseReport(body []byte) (*Report, error) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() || !root.Get("total_requests").Exists() {
		return nil, fmt.Errorf("%w: %s", ErrParse, body)
	}

	r := &Report{
		TotalRequests: root.Get("total_requests").Int(),
		SuccessCount:  firstInt(root, "success_count", "success"),
		FailureCount:  firstInt(root, "failure_count", "failure"),
		TotalTokens:   root.Get("total_tokens").Int(),
		APIs:          make(map[string]EndpointReport),
		RawJSON:       body,
	}

	apis := root.Get("apis")
	if apis.Exists() && !apis.IsObject() {
		return nil, fmt.Errorf("%w: apis 不是对象", ErrParse)
	}
	apis.ForEach(func(endpoint, ep gjson.Result) bool {
		report := EndpointReport{Models: make(map[string]ModelReport)}
		ep.Get("models").ForEach(func(name, m gjson.Result) bool {
			mr := ModelReport{
				TotalRequests: m.Get("total_requests").Int(),
				TotalTokens:   m.Get("total_tokens").Int(),
			}
			m.Get("details").ForEach(func(_, d gjson.Result) bool {
				mr.Details = append(mr.Details, Detail{
					InputTokens:  d.Get("tokens.input").Int(),
					OutputTokens: d.Get("tokens.output").Int(),
				})
				return true
			})
			report.Models[name.String()] = mr
			return true
		})
		r.APIs[endpoint.String()] = report
		return true
	})

	return r, nil
}

func firstInt(root gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := root.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

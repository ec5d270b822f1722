package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

const defaultTimeout = 5 * time.Second

// Options 视频房间服务参数
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RoomTTL time.Duration // 房间自动过期时间，0 表示不设置
}

// HTTPProvider 通过 REST 接口管理视频房间
//
//	POST   {base}/rooms        {"name": ..., "properties": {"exp": unix}}
//	DELETE {base}/rooms/{name}
type HTTPProvider struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time
}

var _ out.RoomProvider = (*HTTPProvider)(nil)

func NewHTTPProvider(opts Options) (*HTTPProvider, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("room provider base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid room provider base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		ttl:     opts.RoomTTL,
		client:  &http.Client{Timeout: opts.Timeout},
		now:     time.Now,
	}, nil
}

type createRoomRequest struct {
	Name       string          `json:"name"`
	Properties *roomProperties `json:"properties,omitempty"`
}

type roomProperties struct {
	Exp int64 `json:"exp,omitempty"`
}

type roomResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p *HTTPProvider) CreateRoom(ctx context.Context, name string) (*entity.Room, error) {
	reqBody := createRoomRequest{Name: name}
	var expiresAt time.Time
	if p.ttl > 0 {
		expiresAt = p.now().Add(p.ttl)
		reqBody.Properties = &roomProperties{Exp: expiresAt.Unix()}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.do(ctx, http.MethodPost, "/rooms", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, statusError("create room", resp)
	}

	var rr roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode room response failed: %w", err)
	}
	// 删除接口按名字寻址
	id := rr.Name
	if id == "" {
		id = name
	}
	return &entity.Room{ID: id, URL: rr.URL, ExpiresAt: expiresAt}, nil
}

func (p *HTTPProvider) DeleteRoom(ctx context.Context, roomID string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out.ErrRoomNotFound
	case resp.StatusCode/100 == 2:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		return statusError("delete room", resp)
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

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

	logx "pewcast/pkg/logx"
)

type BridgeConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Bridge talks to an external session gateway that owns the real user
// sessions. The gateway answers every action with {ok, code, message};
// codes are mapped through Classify.
type Bridge struct {
	cfg  BridgeConfig
	http *http.Client
	log  logx.Logger
}

type bridgeRequest struct {
	Address        string `json:"address"`
	CredentialsRef string `json:"credentials_ref"`
	Text           string `json:"text,omitempty"`
	Media          string `json:"media,omitempty"`
}

type bridgeResponse struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewBridge(cfg BridgeConfig, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("bridge base url is required")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (b *Bridge) Join(ctx context.Context, address string, as Identity) Result {
	return b.call(ctx, "/v1/join", bridgeRequest{Address: address, CredentialsRef: as.CredentialsRef})
}

func (b *Bridge) Send(ctx context.Context, address string, c Content, as Identity) Result {
	return b.call(ctx, "/v1/send", bridgeRequest{
		Address:        address,
		CredentialsRef: as.CredentialsRef,
		Text:           c.Text,
		Media:          c.Media,
	})
}

func (b *Bridge) call(ctx context.Context, path string, body bridgeRequest) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return Unknown(fmt.Sprintf("encode request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Unknown(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return Unknown(fmt.Sprintf("bridge %s: %v", path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Unknown(fmt.Sprintf("bridge %s: read body: %v", path, err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return RateLimited(retryAfterHeader(resp.Header.Get("Retry-After")))
	}

	var out bridgeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Unknown(fmt.Sprintf("bridge %s: status %d: undecodable body", path, resp.StatusCode))
	}
	if out.OK {
		return Success()
	}
	r := Classify(out.Code, out.Message)
	b.log.Debug("bridge refusal", logx.String("path", path), logx.String("code", out.Code), logx.String("result", r.String()))
	return r
}

func retryAfterHeader(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/backoff"
	logx "naualerts/pkg/logx"
)

const maxFeedBytes = 4 << 20

// HTTP polls a JSON feed: GET <url>?after=<id>. The body is either an array
// of alert records or an object with an "alerts" array.
type HTTP struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg Config, client *http.Client, log logx.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{cfg: cfg, client: client, log: log}
}

func (h *HTTP) Name() string { return h.cfg.Name }

func (h *HTTP) Fetch(ctx context.Context, after uint64) ([]alert.Alert, error) {
	u, err := url.Parse(h.cfg.URL)
	if err != nil {
		return nil, backoff.NoRetry(fmt.Errorf("feed url: %w", err))
	}
	q := u.Query()
	q.Set("after", strconv.FormatUint(after, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.NoRetry(err)
	}
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(h.cfg.Token); tok != "" {
		req.Header.Set("Authorization", tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", h.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("fetch %s: upstream status %d", h.cfg.Name, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.NoRetry(err)
		}
		return nil, err
	}

	wires, err := DecodeFeed(body)
	if err != nil {
		return nil, backoff.NoRetry(fmt.Errorf("fetch %s: %w", h.cfg.Name, err))
	}
	out := make([]alert.Alert, 0, len(wires))
	for _, w := range wires {
		a, err := alert.FromWire(h.cfg.Name, w)
		if err != nil {
			h.log.Warn("skipping malformed alert", logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	return keep(out, after, h.cfg.RegionID), nil
}

// DecodeFeed accepts a single record, an array, or {"alerts": [...]}.
func DecodeFeed(body []byte) ([]alert.Wire, error) {
	b := bytes.TrimSpace(body)
	if len(b) == 0 {
		return nil, nil
	}
	switch b[0] {
	case '[':
		var ws []alert.Wire
		if err := json.Unmarshal(b, &ws); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		return ws, nil
	case '{':
		var env struct {
			Alerts *[]alert.Wire `json:"alerts"`
		}
		if err := json.Unmarshal(b, &env); err == nil && env.Alerts != nil {
			return *env.Alerts, nil
		}
		var w alert.Wire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		return []alert.Wire{w}, nil
	default:
		return nil, fmt.Errorf("decode feed: unexpected %q", b[0])
	}
}

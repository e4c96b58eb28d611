package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"naualerts/internal/alert"
	"naualerts/internal/storage"
	logx "naualerts/pkg/logx"
)

const (
	defaultWebhookBuffer = 1024
	webhookAPIPath       = "/api/v3/webhook"
)

// Webhook receives alerts pushed by an upstream that supports webhook
// registration (ukrainealarm API v3 style).
//
// Pushed alerts stay buffered until a Fetch with a larger after value
// acknowledges them, so an interrupted cycle sees them again. Alerts still
// buffered on Stop are saved to the pending store and restored on Start.
type Webhook struct {
	cfg     Config
	client  *http.Client
	pending storage.PendingStore
	log     logx.Logger

	mu      sync.Mutex
	buf     []alert.Alert
	acked   uint64
	stopped bool
	// last is the highest id buffered so far; pushes without an upstream id
	// are numbered above it.
	last uint64
}

func NewWebhook(cfg Config, pending storage.PendingStore, client *http.Client, log logx.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultWebhookBuffer
	}
	return &Webhook{cfg: cfg, client: client, pending: pending, log: log}
}

func (w *Webhook) Name() string { return w.cfg.Name }

// Path is the receiver path mounted by the HTTP server.
func (w *Webhook) Path() string {
	return "/webhook/alerts/" + w.cfg.Secret + "/" + w.cfg.Name
}

func (w *Webhook) callbackURL() string {
	return strings.TrimRight(w.cfg.PublicURL, "/") + w.Path()
}

// Start restores saved alerts and registers the callback upstream.
func (w *Webhook) Start(ctx context.Context) error {
	if w.pending != nil {
		saved, err := w.pending.TakePending(ctx, w.cfg.Name)
		if err != nil {
			return fmt.Errorf("restore pending: %w", err)
		}
		if len(saved) > 0 {
			w.mu.Lock()
			w.buf = append(saved, w.buf...)
			for _, a := range saved {
				w.last = max(w.last, a.ID)
			}
			w.mu.Unlock()
			w.log.Info("restored pending alerts", logx.Int("count", len(saved)))
		}
	}
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()

	if err := w.call(ctx, http.MethodPost); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	w.log.Info("webhook registered", logx.String("path", w.Path()))
	return nil
}

// Stop deregisters upstream (best effort) and saves unacknowledged alerts.
func (w *Webhook) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	left := keep(w.buf, w.acked, 0)
	w.buf = nil
	w.mu.Unlock()

	if err := w.call(ctx, http.MethodDelete); err != nil {
		w.log.Warn("webhook deregistration failed", logx.Err(err))
	} else {
		w.log.Info("webhook removed")
	}

	if len(left) == 0 || w.pending == nil {
		return nil
	}
	if err := w.pending.SavePending(ctx, w.cfg.Name, left); err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	w.log.Info("saved pending alerts", logx.Int("count", len(left)))
	return nil
}

func (w *Webhook) call(ctx context.Context, method string) error {
	body, err := json.Marshal(map[string]string{"webHookUrl": w.callbackURL()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(w.cfg.BaseURL, "/")+webhookAPIPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(w.cfg.Token); tok != "" {
		req.Header.Set("Authorization", tok)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, webhookAPIPath, resp.StatusCode)
	}
	return nil
}

// ErrBadPush marks a push body that could not be decoded.
var ErrBadPush = errors.New("bad webhook payload")

// Push decodes a pushed body and buffers the alerts for this source's
// region. It returns how many alerts were buffered.
//
// Records without an upstream id are numbered from their creation time, but
// never at or below an id already buffered or acknowledged, so alerts raised
// in the same second stay distinct.
func (w *Webhook) Push(body []byte) (int, error) {
	wires, err := DecodeFeed(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPush, err)
	}
	as := make([]alert.Alert, 0, len(wires))
	numbered := make([]bool, 0, len(wires))
	for _, wr := range wires {
		a, err := alert.FromWire(w.cfg.Name, wr)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadPush, err)
		}
		if w.cfg.RegionID > 0 && a.RegionID != w.cfg.RegionID {
			w.log.Debug("ignoring alert for another region", logx.Int("region_id", a.RegionID))
			continue
		}
		as = append(as, a)
		numbered = append(numbered, wr.ID == nil)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.log.Debug("ignoring push during shutdown")
		return 0, nil
	}
	for i := range as {
		if numbered[i] {
			as[i].ID = max(as[i].ID, max(w.last, w.acked)+1)
		}
		w.last = max(w.last, as[i].ID)
	}
	w.buf = append(w.buf, as...)
	if over := len(w.buf) - w.cfg.Buffer; over > 0 {
		w.log.Warn("webhook buffer full; dropping oldest alerts", logx.Int("dropped", over))
		w.buf = append(w.buf[:0:0], w.buf[over:]...)
	}
	return len(as), nil
}

// Fetch acknowledges everything up to after and returns the rest in id order.
func (w *Webhook) Fetch(_ context.Context, after uint64) ([]alert.Alert, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if after > w.acked {
		w.acked = after
	}
	w.buf = keep(w.buf, w.acked, 0)
	out := append([]alert.Alert(nil), w.buf...)
	alert.SortByID(out)
	return out, nil
}

// Buffered reports how many alerts are waiting for acknowledgement.
func (w *Webhook) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/tradehold/internal/retry"
)

// Outbound headers.
const (
	HeaderEvent     = "X-Tradehold-Event"
	HeaderTimestamp = "X-Tradehold-Timestamp"
	HeaderSignature = "X-Tradehold-Signature"
)

// HTTPNotifier POSTs notifications as JSON to a single endpoint. When a
// secret is configured every body is signed with HMAC-SHA256 over
// "<timestamp>.<body>" so the receiver can reject forgeries and replays.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
}

// NewHTTPNotifier creates a notifier posting to url.
func NewHTTPNotifier(url, secret string) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		policy: retry.Delivery,
	}
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(err)
	}

	return h.policy.Do(ctx, func(int) error {
		return h.send(ctx, n, payload)
	})
}

func (h *HTTPNotifier) send(ctx context.Context, n Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(n.Kind))
	req.Header.Set(HeaderTimestamp, ts)
	if h.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, ts, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (h *HTTPNotifier) Channel() string { return "http" }

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>" under secret.
func Sign(payload []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/session-replay/internal/domain"
)

const (
	retryAttempts = 3
	retryBase     = 300 * time.Millisecond
	HeaderSig     = "X-Signature"
)

type Finalized struct {
	SessionID   string    `json:"sessionId"`
	EventCount  int       `json:"eventCount"`
	Duration    int64     `json:"duration"`
	URL         string    `json:"url"`
	Trigger     string    `json:"trigger"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// Webhook posts a signed Finalized payload to a fixed URL. With no URL
// configured every call is a no-op.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
	now        func() time.Time
}

func NewWebhook(url, secret string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		url:        strings.TrimSpace(url),
		secret:     secret,
		httpClient: client,
		logger:     logger,
		retryBase:  retryBase,
		now:        time.Now,
	}
}

func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

// Notify delivers one notification, retrying non-2xx responses and
// transport errors with exponential backoff. Failures are logged only.
func (w *Webhook) Notify(ctx context.Context, meta domain.SessionMetadata, trigger string) {
	if !w.Enabled() {
		return
	}

	body, err := json.Marshal(Finalized{
		SessionID:   meta.SessionID,
		EventCount:  meta.EventCount,
		Duration:    meta.Duration,
		URL:         meta.URL,
		Trigger:     trigger,
		FinalizedAt: w.now().UTC(),
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"session_id", meta.SessionID,
			"error", err,
		)
		return
	}

	signature := Sign(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"session_id", meta.SessionID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(HeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"session_id", meta.SessionID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"session_id", meta.SessionID,
					"trigger", trigger,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"session_id", meta.SessionID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < retryAttempts {
			wait := w.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"session_id", meta.SessionID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"session_id", meta.SessionID,
			"error", lastErr,
		)
	}
}

// Sign returns the hex HMAC-SHA256 of payload, or "" without a secret.
func Sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

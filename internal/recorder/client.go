package recorder

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

	"github.com/adiadia/session-replay/internal/domain"
)

const headerBatchOrder = "X-Batch-Order"

// Client talks to the ingest and retrieval API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

type ingestBody struct {
	SessionID string                 `json:"sessionId"`
	Events    []domain.CapturedEvent `json:"events"`
	Finalize  bool                   `json:"finalize,omitempty"`
}

type IngestResponse struct {
	SessionID string                  `json:"sessionId"`
	Message   string                  `json:"message"`
	Metadata  *domain.SessionMetadata `json:"metadata,omitempty"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Send posts one batch. With finalize set the events may be empty.
func (c *Client) Send(ctx context.Context, sessionID string, batch domain.EventBatch, finalize bool) (IngestResponse, error) {
	events := batch.Events
	if events == nil {
		events = []domain.CapturedEvent{}
	}

	body, err := json.Marshal(ingestBody{SessionID: sessionID, Events: events, Finalize: finalize})
	if err != nil {
		return IngestResponse{}, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return IngestResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if batch.Order > 0 {
		req.Header.Set(headerBatchOrder, strconv.FormatUint(batch.Order, 10))
	}

	var out IngestResponse
	if err := c.do(req, &out); err != nil {
		return IngestResponse{}, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context, limit, offset int) ([]domain.SessionIndexEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	target := c.baseURL + "/api/sessions"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Sessions []domain.SessionIndexEntry `json:"sessions"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Get returns one session. A 404 maps to domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, sessionID string) (domain.SessionData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return domain.SessionData{}, err
	}

	var out domain.SessionData
	if err := c.do(req, &out); err != nil {
		return domain.SessionData{}, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", domain.ErrNotFound, apiErr)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/CZERTAINLY/Applier/internal/model"
)

// Webhook POSTs the JSON report to a configured endpoint.
type Webhook struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

func NewWebhook(cfg model.Webhook, client *http.Client) (*Webhook, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a scheme and host, e.g. `https://hooks.example.com/applier`")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{requestURL: parsedURL, token: cfg.Token, client: client}, nil
}

func (w *Webhook) Emit(ctx context.Context, run model.BatchRun) error {
	raw, err := json.Marshal(NewDocument(run))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := decodeResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "report published", "url", w.requestURL.Redacted(), "status", resp.StatusCode)
	return nil
}

func decodeResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}

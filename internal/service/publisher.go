package service

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
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Publishers fans an event out to all publishers. Every publisher is
// called, the errors are joined.
type Publishers []Publisher

func (p Publishers) Publish(ctx context.Context, event model.CompletionEvent) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes publishers implementing io.Closer.
func (p Publishers) Close() error {
	var errs []error
	for _, pub := range p {
		if closer, ok := pub.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// PublishersFromConfig builds the publishers configured in the events
// section. extra publishers (the record store event log) are appended.
func PublishersFromConfig(cfg model.Config, extra ...Publisher) (Publishers, error) {
	var ret Publishers
	if cfg.LogEvents() {
		ret = append(ret, LogPublisher{})
	}
	if u := cfg.WebhookURL(); u != "" {
		w, err := NewWebhookPublisher(u)
		if err != nil {
			return nil, fmt.Errorf("initializing webhook publisher: %w", err)
		}
		ret = append(ret, w)
	}
	for _, p := range extra {
		if p != nil {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

// LogPublisher logs events at info level.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event model.CompletionEvent) error {
	slog.InfoContext(ctx, "webpage archived",
		"event_id", event.ID,
		"repository", event.Repository,
		"record", event.RecordRef,
		"field", event.Field,
		"url", event.URL,
	)
	return nil
}

// WritePublisher writes events as JSON lines.
type WritePublisher struct {
	mx *sync.Mutex
	w  io.Writer
}

func NewWritePublisher(w io.Writer) WritePublisher {
	return WritePublisher{mx: &sync.Mutex{}, w: w}
}

func (p WritePublisher) Publish(_ context.Context, event model.CompletionEvent) error {
	if p.w == nil {
		p.w = os.Stdout
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	b = append(b, '\n')
	if p.mx != nil {
		p.mx.Lock()
		defer p.mx.Unlock()
	}
	_, err = p.w.Write(b)
	return err
}

const (
	webhookTimeout     = 10 * time.Second
	webhookContentType = "application/json"
)

// WebhookPublisher posts events as JSON to an HTTP endpoint.
type WebhookPublisher struct {
	requestURL *url.URL
	client     *http.Client
}

func NewWebhookPublisher(endpoint string) (*WebhookPublisher, error) {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme, e.g. `http://some-url.com/hooks/archive`")
	}

	return &WebhookPublisher{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: webhookTimeout},
	}, nil
}

// WithClient replaces the HTTP client, used by tests.
func (p *WebhookPublisher) WithClient(client *http.Client) *WebhookPublisher {
	p.client = client
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, event model.CompletionEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", webhookContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeWebhookResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "completion event delivered",
		slog.String("event_id", event.ID),
		slog.Int("status", resp.StatusCode))
	return nil
}

func decodeWebhookResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
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
	return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

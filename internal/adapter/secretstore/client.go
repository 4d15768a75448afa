package secretstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/svmbench/platform/internal/domain"
)

// Client is the HTTP client Admission uses to store and delete secret
// bundles against a secretsvc instance, retrying transient failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a Client pointed at baseURL (scheme://host:port, no
// trailing slash expected but tolerated) authenticating with token.
func NewClient(baseURL, token string) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("SecretStore %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

func (c *Client) bundleURL(ref string) string {
	return fmt.Sprintf("%s/v1/bundles/%s", c.baseURL, ref)
}

// Put uploads bundle for ref as a multipart form file field named "bundle",
// matching the secretsvc PUT contract, retrying idempotently since a PUT
// replaces the bundle at ref regardless of how many times it is resent.
func (c *Client) Put(ctx domain.Context, ref string, bundle []byte) error {
	op := func() error {
		body := &bytes.Buffer{}
		w := multipart.NewWriter(body)
		part, err := w.CreateFormFile("bundle", "bundle.tar")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Put: %w", err))
		}
		if _, err := part.Write(bundle); err != nil {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Put: %w", err))
		}
		if err := w.Close(); err != nil {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Put: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.bundleURL(ref), body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Put: %w", err))
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("X-Secrets-Token", c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("op=secretstore.Client.Put: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=secretstore.Client.Put: secretsvc returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Put: secretsvc returned %d", resp.StatusCode))
		}
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		slog.Warn("failed to store secret bundle", slog.String("secret_ref", ref), slog.Any("error", err))
		return err
	}
	slog.Info("stored secret bundle", slog.String("secret_ref", ref))
	return nil
}

// Delete removes the bundle at ref. A 404 is treated as success: the
// desired end state (no bundle at ref) already holds.
func (c *Client) Delete(ctx domain.Context, ref string) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.bundleURL(ref), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Delete: %w", err))
		}
		req.Header.Set("X-Secrets-Token", c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("op=secretstore.Client.Delete: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("op=secretstore.Client.Delete: secretsvc returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("op=secretstore.Client.Delete: secretsvc returned %d", resp.StatusCode))
		}
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		slog.Warn("failed to delete secret bundle", slog.String("secret_ref", ref), slog.Any("error", err))
		return err
	}
	slog.Info("deleted secret bundle", slog.String("secret_ref", ref))
	return nil
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(b, ctx)
}

var _ domain.SecretStore = (*Client)(nil)

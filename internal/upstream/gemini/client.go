package gemini

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"gemchat-go/internal/config"
	"gemchat-go/internal/constants"
	apperrors "gemchat-go/internal/errors"
	"gemchat-go/internal/monitoring/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const errorBodyLimit = 1 << 20

// Client talks to the generativelanguage API. It performs exactly one
// HTTP attempt per call and normalizes failures into UpstreamError;
// retry across keys is the dispatcher's job, not the transport's.
type Client struct {
	cfg *config.Config
	cli *http.Client
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func New(cfg *config.Config) *Client {
	dialTO := durationOrDefault(cfg.DialTimeoutSec, constants.DefaultDialTimeout)
	tlsTO := durationOrDefault(cfg.TLSHandshakeTimeoutSec, constants.DefaultTLSHandshakeTimeout)
	hdrTO := durationOrDefault(cfg.ResponseHeaderTimeoutSec, constants.DefaultResponseHeaderTimeout)
	expTO := durationOrDefault(cfg.ExpectContinueTimeoutSec, constants.DefaultExpectContinueTimeout)

	tr := &http.Transport{
		Proxy: getProxyFunc(cfg.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   dialTO,
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTO,
		ResponseHeaderTimeout: hdrTO,
		ExpectContinueTimeout: expTO,
		MaxIdleConns:          constants.MaxIdleConns,
		MaxIdleConnsPerHost:   constants.MaxIdleConnsPerHost,
		IdleConnTimeout:       constants.IdleConnTimeout,
	}
	return &Client{cfg: cfg, cli: &http.Client{Transport: tr, Timeout: 0}}
}

// getProxyFunc returns the proxy function based on configuration,
// falling back to the environment proxy.
func getProxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsedURL, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsedURL)
		}
	}
	return http.ProxyFromEnvironment
}

// do executes a single POST attempt against path with the given API key.
//
// IMPORTANT: Caller MUST close resp.Body when resp is non-nil and err is
// nil. Error responses are drained, closed and mapped here.
func (c *Client) do(ctx context.Context, path string, payload []byte, apiKey string, streaming bool) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spanCtx, span := tracing.StartSpan(ctx, "upstream/gemini", "Gemini.Post",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", c.cfg.Endpoint+path),
			attribute.Bool("upstream.streaming", streaming),
		))
	defer span.End()

	fullURL := c.cfg.Endpoint + path
	if streaming {
		fullURL += "?alt=sse"
	}
	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.applyDefaultHeaders(req, apiKey, streaming)

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Let cancellation surface as-is so the caller can tell an
		// aborted request from an unhealthy upstream.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.MapNetworkError(err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		ue := apperrors.MapHTTPError(resp.StatusCode, body)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			ue.RetryAfter = d
		}
		span.SetStatus(codes.Error, ue.Error())
		return nil, ue
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Generate sends a non-streaming generateContent request and returns the
// response body.
func (c *Client) Generate(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error) {
	resp, err := c.do(ctx, BuildModelActionPath(model, ActionGenerate), payload, apiKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.MapNetworkError(err)
	}
	return body, nil
}

// Stream sends a streamGenerateContent request with alt=sse.
//
// IMPORTANT: Caller MUST close resp.Body when err is nil.
func (c *Client) Stream(ctx context.Context, apiKey, model string, payload []byte) (*http.Response, error) {
	return c.do(ctx, BuildModelActionPath(model, ActionStreamGenerate), payload, apiKey, true)
}

// CountTokens sends a countTokens request and returns the response body.
func (c *Client) CountTokens(ctx context.Context, apiKey, model string, payload []byte) ([]byte, error) {
	resp, err := c.do(ctx, BuildModelActionPath(model, ActionCountTokens), payload, apiKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.MapNetworkError(err)
	}
	return body, nil
}

// ListModels fetches the available model catalogue.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+BuildListModelsPath(), nil)
	if err != nil {
		return nil, err
	}
	c.applyDefaultHeaders(req, apiKey, false)

	resp, err := c.cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.MapNetworkError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return nil, apperrors.MapNetworkError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.MapHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

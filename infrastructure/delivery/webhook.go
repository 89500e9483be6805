package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domainDelivery "github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const defaultWebhookTimeout = 20 * time.Second

type WebhookConfig struct {
	Platform string
	URL      string
	Timeout  time.Duration
}

// WebhookAdapter publishes by POSTing a JSON document to a platform bridge.
// The bridge answers 2xx with {"id": "..."} and uses regular HTTP status
// codes to report failures.
type WebhookAdapter struct {
	platform string
	url      string
	timeout  time.Duration
	client   *fasthttp.Client
	now      func() time.Time
}

type webhookPayload struct {
	PostID    string          `json:"post_id"`
	AccountID string          `json:"account_id"`
	Body      string          `json:"body"`
	Media     []post.MediaRef `json:"media,omitempty"`
}

type webhookResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
	Error  string `json:"error"`
}

func NewWebhookAdapter(cfg WebhookConfig, client *fasthttp.Client) *WebhookAdapter {
	if client == nil {
		client = &fasthttp.Client{Name: "az-publisher"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookAdapter{
		platform: cfg.Platform,
		url:      cfg.URL,
		timeout:  timeout,
		client:   client,
		now:      time.Now,
	}
}

func (a *WebhookAdapter) Platform() string {
	return a.platform
}

func (a *WebhookAdapter) Publish(ctx context.Context, req domainDelivery.PublishRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domainDelivery.Transient("timeout", 0, err)
	}

	body, err := json.Marshal(webhookPayload{
		PostID:    req.PostID,
		AccountID: req.AccountID,
		Body:      req.Body,
		Media:     req.Media,
	})
	if err != nil {
		return "", domainDelivery.Permanent(domainDelivery.ReasonContentRejected, err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(a.url)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	httpReq.Header.Set("X-Account-ID", req.AccountID)
	httpReq.SetBody(body)

	deadline := a.now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := a.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return "", domainDelivery.Transient("timeout", 0, err)
		}
		return "", domainDelivery.Transient("network error", 0, err)
	}

	status := httpResp.StatusCode()
	var parsed webhookResponse
	_ = json.Unmarshal(httpResp.Body(), &parsed)

	if status >= 200 && status < 300 {
		id := parsed.ID
		if id == "" {
			id = parsed.PostID
		}
		if id == "" {
			id = req.IdempotencyKey
		}
		logrus.Debugf("[DELIVERY] %s accepted post %s for %s (status %d)", a.platform, req.PostID, req.AccountID, status)
		return id, nil
	}

	return "", a.classify(status, string(httpResp.Header.Peek(fasthttp.HeaderRetryAfter)), parsed.Error)
}

func (a *WebhookAdapter) classify(status int, retryAfter, detail string) error {
	var cause error
	if detail != "" {
		cause = errors.New(detail)
	}

	var derr *domainDelivery.Error
	switch {
	case status == fasthttp.StatusUnauthorized, status == fasthttp.StatusForbidden, status == fasthttp.StatusNotFound:
		derr = domainDelivery.Permanent(domainDelivery.ReasonAccountDisconnected, cause)
	case status == fasthttp.StatusTooManyRequests, status == fasthttp.StatusRequestTimeout, status >= 500:
		derr = domainDelivery.Transient(fmt.Sprintf("platform returned %d", status), parseRetryAfter(retryAfter, a.now()), cause)
	default:
		derr = domainDelivery.Permanent(domainDelivery.ReasonContentRejected, cause)
	}
	derr.StatusCode = status
	return derr
}

// parseRetryAfter accepts both forms of the header: delay seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := fasthttp.ParseHTTPDate([]byte(value)); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

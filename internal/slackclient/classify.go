package slackclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	slackapi "github.com/slack-go/slack"
)

type failureKind int

const (
	kindOK failureKind = iota
	kindRateLimited
	kindTransient
	kindPermanent
	kindCanceled
)

func (k failureKind) String() string {
	switch k {
	case kindOK:
		return "ok"
	case kindRateLimited:
		return "rate_limited"
	case kindTransient:
		return "transient"
	case kindPermanent:
		return "permanent"
	case kindCanceled:
		return "canceled"
	}
	return "unknown"
}

// callResult is the outcome of one request attempt.
type callResult struct {
	kind       failureKind
	err        error
	code       string
	retryAfter time.Duration
}

// transientCodes are Slack error codes that describe server-side hiccups.
var transientCodes = map[string]bool{
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
}

func classify(ctx context.Context, err error) callResult {
	if err == nil {
		return callResult{kind: kindOK}
	}
	if ctx.Err() != nil {
		return callResult{kind: kindCanceled, err: ctx.Err()}
	}

	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return callResult{kind: kindRateLimited, err: err, code: "ratelimited", retryAfter: rle.RetryAfter}
	}

	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) {
		switch {
		case sce.Code == http.StatusTooManyRequests:
			return callResult{kind: kindRateLimited, err: err, code: "ratelimited"}
		case sce.Code >= 500:
			return callResult{kind: kindTransient, err: err, code: sce.Status}
		default:
			return callResult{kind: kindPermanent, err: err, code: sce.Status}
		}
	}

	var ser slackapi.SlackErrorResponse
	if errors.As(err, &ser) {
		switch {
		case ser.Err == "ratelimited":
			return callResult{kind: kindRateLimited, err: err, code: ser.Err}
		case transientCodes[ser.Err]:
			return callResult{kind: kindTransient, err: err, code: ser.Err}
		default:
			return callResult{kind: kindPermanent, err: err, code: ser.Err}
		}
	}

	if isNetworkError(err) {
		return callResult{kind: kindTransient, err: err, code: "network"}
	}
	return callResult{kind: kindPermanent, err: err, code: err.Error()}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// Package slackclient fetches channel history and thread replies from the
// Slack Web API. Every page request is rate-gated and retried on rate limits
// and transient network failures; pages are concatenated transparently.
package slackclient

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// Default retry and paging settings.
const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = time.Minute
	DefaultPageSize     = 200
)

// NoRetries in Options.MaxRetries gives up after the first failed attempt.
const NoRetries = -1

// Slack Web API methods, as reported to RetryFunc.
const (
	MethodAuthTest = "auth.test"
	MethodHistory  = "conversations.history"
	MethodReplies  = "conversations.replies"
)

// slackAPI abstracts the Slack API methods we use, enabling test mocks.
type slackAPI interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
}

// Message is the subset of a raw Slack message the harvester needs.
type Message struct {
	User            string
	Text            string
	Timestamp       string
	ThreadTimestamp string
	ReplyCount      int
	BotID           string
	SubType         string
}

// HasThread reports whether the message carries a thread marker.
func (m Message) HasThread() bool { return m.ThreadTimestamp != "" }

// RetryFunc observes each retry: the Slack method (one of the Method
// constants), the failure kind ("rate_limited" or "transient"), the attempt
// number and the wait.
type RetryFunc func(method, kind string, attempt int, wait time.Duration)

// Options holds parameters for creating a Client.
type Options struct {
	Token             string
	MaxRetries        int           // 0 means DefaultMaxRetries; NoRetries disables retrying
	InitialDelay      time.Duration // first backoff step, doubled per attempt
	MaxDelay          time.Duration // cap for computed backoff
	PageSize          int           // defaults to DefaultPageSize
	RequestsPerMinute int           // 0 disables the shared rate gate
	Logger            *slog.Logger
	OnRetry           RetryFunc

	// For testing: inject a mock API and a fake sleeper.
	API   slackAPI
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client issues paginated, retried calls against the Slack Web API.
type Client struct {
	api          slackAPI
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	pageSize     int
	limiter      *rate.Limiter
	logger       *slog.Logger
	onRetry      RetryFunc
	sleep        func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.API == nil && opts.Token == "" {
		return nil, fmt.Errorf("slackclient: token is required")
	}
	c := &Client{
		api:          opts.API,
		maxRetries:   opts.MaxRetries,
		initialDelay: opts.InitialDelay,
		maxDelay:     opts.MaxDelay,
		pageSize:     opts.PageSize,
		logger:       opts.Logger,
		onRetry:      opts.OnRetry,
		sleep:        opts.Sleep,
	}
	if c.api == nil {
		c.api = slackapi.New(opts.Token)
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.initialDelay <= 0 {
		c.initialDelay = DefaultInitialDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = DefaultMaxDelay
	}
	if c.maxDelay < c.initialDelay {
		c.maxDelay = c.initialDelay
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c, nil
}

// AuthTest validates the token and returns the authenticated team name.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var resp *slackapi.AuthTestResponse
	err := c.call(ctx, MethodAuthTest, "", func(ctx context.Context) error {
		var apiErr error
		resp, apiErr = c.api.AuthTestContext(ctx)
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return resp.Team, nil
}

// History yields every message in channelID with oldest <= ts < latest,
// walking all pages. Each range over the returned sequence re-fetches from
// the first page. Iteration stops at the first error, which is yielded.
func (c *Client) History(ctx context.Context, channelID string, oldest, latest time.Time) iter.Seq2[Message, error] {
	return c.paginate(ctx, MethodHistory, channelID, func(ctx context.Context, cursor string) ([]slackapi.Message, string, error) {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: channelID,
			Oldest:    FormatTimestamp(oldest),
			Latest:    FormatTimestamp(latest.Add(-time.Microsecond)),
			Inclusive: true,
			Limit:     c.pageSize,
			Cursor:    cursor,
		}
		resp, err := c.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if resp.HasMore {
			next = resp.ResponseMetaData.NextCursor
		}
		return resp.Messages, next, nil
	})
}

// Replies yields every message of the thread rooted at threadTS, root
// included, walking all pages.
func (c *Client) Replies(ctx context.Context, channelID, threadTS string) iter.Seq2[Message, error] {
	return c.paginate(ctx, MethodReplies, channelID+"/"+threadTS, func(ctx context.Context, cursor string) ([]slackapi.Message, string, error) {
		params := &slackapi.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Limit:     c.pageSize,
			Cursor:    cursor,
		}
		msgs, hasMore, next, err := c.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, "", err
		}
		if !hasMore {
			next = ""
		}
		return msgs, next, nil
	})
}

// FetchChannelHistory collects History into a slice.
func (c *Client) FetchChannelHistory(ctx context.Context, channelID string, oldest, latest time.Time) ([]Message, error) {
	return collect(c.History(ctx, channelID, oldest, latest))
}

// FetchThreadReplies collects Replies into a slice.
func (c *Client) FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]Message, error) {
	return collect(c.Replies(ctx, channelID, threadTS))
}

type pageFunc func(ctx context.Context, cursor string) ([]slackapi.Message, string, error)

// paginate feeds each page's cursor back into fetch until none is returned.
func (c *Client) paginate(ctx context.Context, method, target string, fetch pageFunc) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cursor := ""
		for {
			var (
				page []slackapi.Message
				next string
			)
			err := c.call(ctx, method, target, func(ctx context.Context) error {
				var apiErr error
				page, next, apiErr = fetch(ctx, cursor)
				return apiErr
			})
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page {
				if !yield(fromSlack(m), nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// call runs fn through the rate gate and a bounded retry loop. Rate limits
// and transient failures back off and retry the same request; anything else
// is returned at once as a RemoteAPIError. target (channel or thread) only
// appears in errors and logs; retries are reported per method.
func (c *Client) call(ctx context.Context, method, target string, fn func(ctx context.Context) error) error {
	op := method
	if target != "" {
		op += " " + target
	}
	delay := c.initialDelay
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("slackclient: %s: %w", op, err)
			}
		}

		res := classify(ctx, fn(ctx))
		switch res.kind {
		case kindOK:
			return nil
		case kindCanceled:
			return fmt.Errorf("slackclient: %s: %w", op, res.err)
		case kindPermanent:
			return &RemoteAPIError{Op: op, Code: res.code, Err: res.err}
		}

		if attempt > c.maxRetries {
			return &RateLimitExceededError{Op: op, Attempts: attempt, Last: res.err}
		}

		wait := res.retryAfter
		if wait <= 0 {
			wait = delay
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		c.logger.Warn("slack request retrying",
			"method", method, "target", target, "kind", res.kind.String(),
			"attempt", attempt, "wait", wait, "error", res.err)
		if c.onRetry != nil {
			c.onRetry(method, res.kind.String(), attempt, wait)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("slackclient: %s: %w", op, err)
		}
	}
}

func fromSlack(m slackapi.Message) Message {
	return Message{
		User:            m.User,
		Text:            m.Text,
		Timestamp:       m.Timestamp,
		ThreadTimestamp: m.ThreadTimestamp,
		ReplyCount:      m.ReplyCount,
		BotID:           m.BotID,
		SubType:         m.SubType,
	}
}

func collect(seq iter.Seq2[Message, error]) ([]Message, error) {
	var out []Message
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package harvest

import (
	"context"
	"errors"

	"github.com/zulandar/threadyard/internal/slackclient"
	"github.com/zulandar/threadyard/internal/store"
)

// ErrDayIncomplete is returned when a day had threads but none of them could
// be processed. The day is left unmarked so the next pass retries it.
var ErrDayIncomplete = errors.New("every thread failed; day left unmarked")

// Error kinds used in log lines and metric labels.
const (
	KindCanceled          = "canceled"
	KindRateLimitExceeded = "rate_limit_exceeded"
	KindRemoteAPI         = "remote_api"
	KindStoreWrite        = "store_write"
	KindDayIncomplete     = "day_incomplete"
	KindInternal          = "internal"
)

// ErrorKind maps err to a short, stable kind string. It returns "" for nil.
func ErrorKind(err error) string {
	var (
		rle *slackclient.RateLimitExceededError
		rae *slackclient.RemoteAPIError
		swe *store.StoreWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &rle):
		return KindRateLimitExceeded
	case errors.As(err, &rae):
		return KindRemoteAPI
	case errors.As(err, &swe):
		return KindStoreWrite
	case errors.Is(err, ErrDayIncomplete):
		return KindDayIncomplete
	}
	return KindInternal
}

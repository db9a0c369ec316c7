package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-sql-driver/mysql"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs op up to three times while it fails with a connection-level
// error. Anything else is returned after the first attempt.
func withRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.DelayType(linearDelay),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
}

func linearDelay(n uint, _ error, _ *retry.Config) time.Duration {
	return time.Duration(n+1) * retryBaseDelay
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// sqlite reports writer contention only as text
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection refused")
}

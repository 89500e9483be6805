package valkey

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// AcquireLock takes a cluster wide lock with SET NX EX. The lock is never
// released explicitly; it expires after the given duration. Errors count as
// not acquired.
func (c *Client) AcquireLock(key string, expiration time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	defer cancel()

	if expiration < time.Second {
		expiration = time.Second
	}

	cmd := c.inner.B().Set().Key(c.Key(key)).Value("1").Nx().Ex(expiration).Build()
	if err := c.inner.Do(ctx, cmd).Error(); err != nil {
		if !IsNil(err) {
			logrus.WithError(err).Warnf("[VALKEY] Failed to acquire lock %s", key)
		}
		return false
	}
	return true
}

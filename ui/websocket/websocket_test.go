package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []BroadcastMessage
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	var msg BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []BroadcastMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BroadcastMessage(nil), c.messages...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestHub_DeliversOnlyToOwningOrganization(t *testing.T) {
	hub := NewHub(nil, "node-1")
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mine, theirs := &fakeConn{}, &fakeConn{}
	hub.Register(mine, "org-1")
	hub.Register(theirs, "org-2")

	require.NoError(t, hub.PublishStatusChanged(ctx, notify.PostStatusChanged{
		PostID:         "post-1",
		OrganizationID: "org-1",
		OldStatus:      post.StatusScheduled,
		NewStatus:      post.StatusPublished,
	}))

	assert.Eventually(t, func() bool { return len(mine.received()) == 1 }, time.Second, 5*time.Millisecond)
	msg := mine.received()[0]
	assert.Equal(t, CodePostStatusChanged, msg.Code)
	assert.Equal(t, "published", msg.Message)
	assert.Equal(t, "org-1", msg.OrganizationID)
	assert.Empty(t, theirs.received())

	hub.Unregister(mine)
	require.NoError(t, hub.PublishStatusChanged(ctx, notify.PostStatusChanged{PostID: "post-2", OrganizationID: "org-2", NewStatus: post.StatusFailed}))
	assert.Eventually(t, func() bool { return len(theirs.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, mine.received(), 1)

	cancel()
	assert.Eventually(t, theirs.isClosed, time.Second, 5*time.Millisecond)

	// A stopped hub never blocks callers.
	hub.Register(&fakeConn{}, "org-1")
	hub.Unregister(theirs)
}

func TestHub_DropsEventsWhenQueueIsFull(t *testing.T) {
	hub := NewHub(nil, "node-1")
	ctx := context.Background()

	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.PublishStatusChanged(ctx, notify.PostStatusChanged{PostID: "p"}))
	}
	assert.ErrorIs(t, hub.PublishStatusChanged(ctx, notify.PostStatusChanged{PostID: "overflow"}), ErrHubBusy)
}

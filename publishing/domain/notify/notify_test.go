package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) PublishStatusChanged(context.Context, PostStatusChanged) error {
	n.calls++
	return n.err
}

func TestMultiReachesEveryNotifier(t *testing.T) {
	failing := &countingNotifier{err: errors.New("hub busy")}
	second := &countingNotifier{err: errors.New("later")}
	healthy := &countingNotifier{}

	err := Multi{failing, nil, second, healthy}.PublishStatusChanged(context.Background(), PostStatusChanged{PostID: "p1"})

	assert.EqualError(t, err, "hub busy")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestMultiEmpty(t *testing.T) {
	assert.NoError(t, Multi{}.PublishStatusChanged(context.Background(), PostStatusChanged{}))
}

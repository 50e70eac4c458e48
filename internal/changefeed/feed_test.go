package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cellucid/annotation/internal/annotation"
)

func newFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "pbmc", zaptest.NewLogger(t)), mr
}

func TestPublishAndSubscribe(t *testing.T) {
	feed, mr := newFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	key := annotation.BucketKey{FieldKey: "cell_type", CategoryIndex: 3}
	sent := annotation.Change{Revision: 7, Op: annotation.OpVote, Bucket: &key, SuggestionID: "sug_1", Actor: "bob", At: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, feed.Publish(ctx, sent))

	select {
	case got := <-changes:
		assert.Equal(t, sent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	mr.Publish(Channel("pbmc"), "not json")
	require.NoError(t, feed.Publish(ctx, annotation.Change{Revision: 8, Op: annotation.OpLoad}))
	select {
	case got := <-changes:
		assert.Equal(t, uint64(8), got.Revision)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change after bad payload")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not close after cancel")
		}
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "cellucid:changes:pbmc", Channel("pbmc"))
}

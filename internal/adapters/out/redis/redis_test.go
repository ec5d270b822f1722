package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPresenceUpsertReturnsPrevious(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewPresenceRepositoryRedis(client)
	ctx := context.Background()
	t0 := time.UnixMilli(1714564800000)

	prev, err := repo.Upsert(ctx, &entity.UserPresence{UserID: 1, IsOnline: true, LastSeenAt: t0})
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = repo.Upsert(ctx, &entity.UserPresence{UserID: 1, IsOnline: false, LastSeenAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, prev.IsOnline)
	assert.True(t, prev.LastSeenAt.Equal(t0))

	rows, err := repo.GetMany(ctx, []uint64{1, 2})
	require.NoError(t, err)
	require.Contains(t, rows, uint64(1))
	assert.NotContains(t, rows, uint64(2))
	assert.False(t, rows[1].IsOnline)
	assert.True(t, rows[1].LastSeenAt.Equal(t0.Add(time.Minute)))

	empty, err := repo.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNoticeDeduper(t *testing.T) {
	mr, client := newTestClient(t)
	d := NewNoticeDeduper(client, time.Minute)
	ctx := context.Background()

	first, err := d.FirstNotice(ctx, 7)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = d.FirstNotice(ctx, 7)
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Minute)
	first, err = d.FirstNotice(ctx, 7)
	require.NoError(t, err)
	assert.True(t, first, "notice key expires after ttl")

	require.NoError(t, d.Forget(ctx, 7))
	first, err = d.FirstNotice(ctx, 7)
	require.NoError(t, err)
	assert.True(t, first, "forgotten notice can be claimed again")
}

func TestRosterRefCount(t *testing.T) {
	_, client := newTestClient(t)
	p := NewPubSubProvider(client)
	ctx := context.Background()
	ch := "presence-conversation-10"

	require.NoError(t, p.Join(ctx, ch, 1))
	require.NoError(t, p.Join(ctx, ch, 1))
	require.NoError(t, p.Join(ctx, ch, 2))

	members, err := p.Members(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, members)

	require.NoError(t, p.Leave(ctx, ch, 1))
	members, err = p.Members(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, members, "second connection of user 1 is still open")

	require.NoError(t, p.Leave(ctx, ch, 1))
	require.NoError(t, p.Leave(ctx, ch, 2))
	members, err = p.Members(ctx, ch)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPublishAndSubscribe(t *testing.T) {
	mr, client := newTestClient(t)
	p := NewPubSubProvider(client)
	ctx := context.Background()

	sub, err := p.NewSubscription(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.Subscribe(ctx, "private-user-1", "presence-conversation-10"))
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("private-user-1")["private-user-1"] == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.PublishBatch(ctx, []out.Publication{
		{Channel: "private-user-1", Event: "incoming-call", Payload: []byte(`{"event":"incoming-call"}`)},
		{Channel: "presence-conversation-10", Event: "new-message", Payload: []byte(`{"event":"new-message"}`)},
	}))

	got := make([]out.Message, 0, 2)
	for len(got) < 2 {
		select {
		case m := <-sub.Messages():
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	assert.Equal(t, "private-user-1", got[0].Channel)
	assert.JSONEq(t, `{"event":"incoming-call"}`, string(got[0].Payload))
	assert.Equal(t, "presence-conversation-10", got[1].Channel)

	require.NoError(t, sub.Unsubscribe(ctx, "private-user-1"))
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("private-user-1")["private-user-1"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPublishUnavailable(t *testing.T) {
	mr, client := newTestClient(t)
	p := NewPubSubProvider(client)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Publish(ctx, out.Publication{Channel: "private-user-1", Payload: []byte("{}")})
	require.Error(t, err)
	assert.ErrorIs(t, err, out.ErrProviderUnavailable)
}

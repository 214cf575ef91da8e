package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/logging"
	"behaviorwatch/internal/model"
)

func newRedisPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub, err := NewRedisPublisher(config.BroadcastConfig{
		RedisAddr:     mr.Addr(),
		ChannelPrefix: "bw",
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, mr
}

func TestPublishAlertUsesSessionChannel(t *testing.T) {
	pub, mr := newRedisPublisher(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), pub.AlertChannel("s1"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	alert := model.Alert{
		ID:         "a1",
		SessionID:  "s1",
		Type:       model.AlertWarning,
		Behavior:   model.BehaviorSitStand,
		Confidence: 0.9,
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, pub.PublishAlert(context.Background(), alert))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bw:alerts:s1", msg.Channel)

	var got model.Alert
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, model.BehaviorSitStand, got.Behavior)
}

func TestPublishSessionEvent(t *testing.T) {
	pub, mr := newRedisPublisher(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), pub.SessionChannel())
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	ev := SessionEvent{
		Type:    EventSessionStarted,
		Session: model.MonitoringSession{ID: "s1", SubjectID: "subj", Status: model.StatusActive},
	}
	require.NoError(t, pub.PublishSessionEvent(context.Background(), ev))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)

	var got SessionEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, EventSessionStarted, got.Type)
	assert.Equal(t, "s1", got.Session.ID)
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	_, err := NewRedisPublisher(config.BroadcastConfig{RedisAddr: "127.0.0.1:1"}, logging.Discard())
	assert.Error(t, err)
}

func TestRegistryJoinReplaces(t *testing.T) {
	r := NewRegistry()
	r.Join("obs1", "s1")
	r.Join("obs1", "s2")

	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.Observers("s1"))
	require.Len(t, r.Observers("s2"), 1)
}

func TestRegistryLeave(t *testing.T) {
	r := NewRegistry()
	r.Join("obs1", "s1")

	require.NoError(t, r.Leave("obs1"))
	assert.Equal(t, 0, r.Count())
	assert.ErrorIs(t, r.Leave("obs1"), ErrObserverNotFound)
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	r.Join("obs1", "s1")

	require.NoError(t, r.Update("obs1", "s2"))
	require.Len(t, r.Observers("s2"), 1)
	assert.ErrorIs(t, r.Update("ghost", "s2"), ErrObserverNotFound)
}

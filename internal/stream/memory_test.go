package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStream_AppendFetchAck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id1, err := s.Append(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = s.Append(ctx, []byte(`{"n":2}`))
	require.NoError(t, err)

	msgs, err := s.Fetch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, []byte(`{"n":1}`), msgs[0].Payload)
	assert.Equal(t, int64(1), msgs[0].Deliveries)
	assert.Equal(t, 2, s.PendingCount())

	// Already-delivered entries are not fetched again.
	more, err := s.Fetch(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, s.Ack(ctx, msgs[0].ID))
	require.NoError(t, s.Ack(ctx, msgs[1].ID))
	assert.Equal(t, 0, s.PendingCount())
}

func TestMemoryStream_FetchRespectsCount(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, []byte(`{}`))
		require.NoError(t, err)
	}
	msgs, err := s.Fetch(ctx, "worker-1", 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestMemoryStream_ReclaimIncrementsDeliveries(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, err := s.Append(ctx, []byte(`{}`))
	require.NoError(t, err)

	msgs, err := s.Fetch(ctx, "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Unacked and idle, so another consumer can take it over.
	claimed, err := s.Reclaim(ctx, "worker-2", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)
	assert.Equal(t, int64(2), claimed[0].Deliveries)

	// A freshly claimed entry is not idle.
	claimed, err = s.Reclaim(ctx, "worker-2", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryStream_DeadLetter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, err := s.Append(ctx, []byte(`{"bad":true}`))
	require.NoError(t, err)

	msgs, err := s.Fetch(ctx, "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.DeadLetter(ctx, msgs[0], "handler failed repeatedly"))
	assert.Equal(t, 0, s.PendingCount())

	dead := s.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, msgs[0].ID, dead[0].StreamID)
	assert.Equal(t, "handler failed repeatedly", dead[0].Reason)
	assert.JSONEq(t, `{"bad":true}`, string(dead[0].Payload))
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum5/counter/internal/message"
)

func TestBroadcastReachesAllPeersExceptSelf(t *testing.T) {
	net := NewNetwork()
	a := net.AddNode("a")
	net.AddNode("b")
	net.AddNode("c")

	reached, err := a.Broadcast(context.Background(), message.NewPropose("a", "a-1", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, reached)
}

func TestSendToDeliversToTarget(t *testing.T) {
	net := NewNetwork()
	a := net.AddNode("a")
	b := net.AddNode("b")

	require.NoError(t, a.SendTo(context.Background(), "b", message.NewVote("a", "b", "p1", true)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.TypeVote, msg.Type)
}

func TestReceiveTimesOut(t *testing.T) {
	net := NewNetwork()
	a := net.AddNode("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendToUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := net.AddNode("a")
	err := a.SendTo(context.Background(), "ghost", message.NewVote("a", "ghost", "p1", true))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestCloseUnblocksReceive(t *testing.T) {
	net := NewNetwork()
	a := net.AddNode("a")

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

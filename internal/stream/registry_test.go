package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SendReachesRegisteredKeyOnly(t *testing.T) {
	reg := NewRegistry(4)
	ch, deregister := reg.Register("alice")
	defer deregister()

	ok := reg.Send("alice", StatusMessage{Type: MessageAdmitted, UserKey: "alice", Token: "t"})
	assert.True(t, ok)
	assert.False(t, reg.Send("bob", StatusMessage{Type: MessageAdmitted}), "unknown key is not local")

	msg := <-ch
	assert.Equal(t, MessageAdmitted, msg.Type)
	assert.Equal(t, "t", msg.Token)
}

func TestRegistry_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	reg := NewRegistry(1)
	ch, deregister := reg.Register("alice")
	defer deregister()

	first := StatusMessage{Type: MessageRank, Ranks: []RankUpdate{{UserKey: "alice", Rank: 3}}}
	second := StatusMessage{Type: MessageRank, Ranks: []RankUpdate{{UserKey: "alice", Rank: 2}}}
	assert.True(t, reg.Send("alice", first))
	assert.True(t, reg.Send("alice", second), "key stays registered even when the buffer is full")

	got := <-ch
	require.Len(t, got.Ranks, 1)
	assert.Equal(t, int64(3), got.Ranks[0].Rank, "second message was dropped, not queued")
	select {
	case <-ch:
		t.Fatal("no further message expected")
	default:
	}
}

func TestRegistry_DeregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(1)
	_, deregister := reg.Register("alice")
	require.Equal(t, 1, reg.Len())

	deregister()
	deregister()
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Send("alice", StatusMessage{Type: MessageAdmitted}))
}

func TestRegistry_ReRegisterReplacesOldConnection(t *testing.T) {
	reg := NewRegistry(1)
	oldCh, oldDeregister := reg.Register("alice")
	newCh, newDeregister := reg.Register("alice")
	defer newDeregister()

	reg.Send("alice", StatusMessage{Type: MessageAdmitted, Token: "fresh"})
	select {
	case <-oldCh:
		t.Fatal("replaced connection must not receive")
	default:
	}
	msg := <-newCh
	assert.Equal(t, "fresh", msg.Token)

	// Deregistering the stale connection must not evict the new one.
	oldDeregister()
	assert.Equal(t, 1, reg.Len())
}

func TestFanout_DeliverSplitsRankBatchPerKey(t *testing.T) {
	reg := NewRegistry(2)
	aliceCh, cancelAlice := reg.Register("alice")
	defer cancelAlice()

	f := &Fanout{registry: reg}
	f.deliver(StatusMessage{
		Type:       MessageRank,
		ScheduleID: 7,
		Ranks: []RankUpdate{
			{UserKey: "alice", Rank: 2, TotalWaiting: 9},
			{UserKey: "bob", Rank: 3, TotalWaiting: 9}, // bob lives on another instance
		},
	})

	msg := <-aliceCh
	assert.Equal(t, uint64(7), msg.ScheduleID)
	require.Len(t, msg.Ranks, 1, "each connection sees only its own rank")
	assert.Equal(t, "alice", msg.Ranks[0].UserKey)
	assert.Equal(t, int64(2), msg.Ranks[0].Rank)
}

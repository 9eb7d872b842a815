package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fitchain/pkg/data"
)

func newRegistryWith(t *testing.T, ids ...string) *ValidatorRegistry {
	t.Helper()

	reg := NewValidatorRegistry(zap.NewNop())
	for _, id := range ids {
		state, err := data.NewValidatorState(id, []byte("public-key"), 1000)
		require.NoError(t, err)
		require.NoError(t, reg.Register(state))
	}
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	reg := newRegistryWith(t, "validator-1")

	state, ok := reg.Get("validator-1")
	require.True(t, ok)
	assert.Equal(t, data.InitialReputation, state.Reputation)
	assert.True(t, state.IsOnline)
	assert.True(t, state.IsActive)

	_, ok = reg.Get("validator-2")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalidState(t *testing.T) {
	reg := NewValidatorRegistry(zap.NewNop())

	err := reg.Register(&data.ValidatorState{ValidatorID: "", Stake: 100})
	assert.Error(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	reg := newRegistryWith(t, "validator-1")

	state, _ := reg.Get("validator-1")
	state.Stake = 0

	fresh, _ := reg.Get("validator-1")
	assert.Equal(t, 1000.0, fresh.Stake)
}

func TestUpdateUnknownValidator(t *testing.T) {
	reg := newRegistryWith(t)

	err := reg.Update("ghost", func(*data.ValidatorState) {})
	assert.Error(t, err)
}

func TestMissedVoteStreakMarksOffline(t *testing.T) {
	reg := newRegistryWith(t, "validator-1")

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		require.NoError(t, reg.RecordMissedVote("validator-1"))
		state, _ := reg.Get("validator-1")
		assert.True(t, state.IsOnline, "still online after %d misses", i+1)
	}

	require.NoError(t, reg.RecordMissedVote("validator-1"))
	state, _ := reg.Get("validator-1")
	assert.False(t, state.IsOnline)
	assert.Equal(t, MaxConsecutiveFailures, state.ConsecutiveFailures)
}

func TestHeartbeatRestoresOfflineValidator(t *testing.T) {
	reg := newRegistryWith(t, "validator-1")

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, reg.RecordMissedVote("validator-1"))
	}

	at := time.Now()
	require.NoError(t, reg.Heartbeat("validator-1", at))

	state, _ := reg.Get("validator-1")
	assert.True(t, state.IsOnline)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.Equal(t, at, state.LastHeartbeat)
}

func TestOnlineFiltersAndSorts(t *testing.T) {
	reg := newRegistryWith(t, "charlie", "alpha", "bravo", "delta")

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, reg.RecordMissedVote("bravo"))
	}
	require.NoError(t, reg.Update("delta", func(state *data.ValidatorState) {
		state.IsActive = false
	}))

	online := reg.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "alpha", online[0].ValidatorID)
	assert.Equal(t, "charlie", online[1].ValidatorID)
}

func TestAllSortedByID(t *testing.T) {
	reg := newRegistryWith(t, "v-3", "v-1", "v-2")

	all := reg.All()
	require.Len(t, all, 3)
	for i, want := range []string{"v-1", "v-2", "v-3"} {
		assert.Equal(t, want, all[i].ValidatorID)
	}
}

func TestCount(t *testing.T) {
	reg := newRegistryWith(t)
	for i := 0; i < 5; i++ {
		state, err := data.NewValidatorState(fmt.Sprintf("v-%d", i), []byte("key"), 1000)
		require.NoError(t, err)
		require.NoError(t, reg.Register(state))
	}

	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, reg.RecordMissedVote("v-0"))
	}

	total, online := reg.Count()
	assert.Equal(t, 5, total)
	assert.Equal(t, 4, online)
}

func TestPublicKeyLookup(t *testing.T) {
	reg := newRegistryWith(t, "validator-1")

	assert.Equal(t, []byte("public-key"), reg.PublicKey("validator-1"))
	assert.Nil(t, reg.PublicKey("ghost"))
}

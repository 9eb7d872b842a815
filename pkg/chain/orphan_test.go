package chain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitchain/pkg/data"
)

func orphanBlock(hash, parentHash string) *data.Block {
	return &data.Block{
		Hash:         hash,
		PreviousHash: parentHash,
		Timestamp:    time.Now().UTC(),
	}
}

func TestOrphanPoolAddIsIdempotent(t *testing.T) {
	pool := NewOrphanPool()
	block := orphanBlock("child", "parent")

	assert.True(t, pool.Add(block, "peer-a"))
	assert.False(t, pool.Add(block, "peer-b"))
	assert.Equal(t, 1, pool.Size())
}

func TestOrphanPoolChildrenIndex(t *testing.T) {
	pool := NewOrphanPool()

	pool.Add(orphanBlock("child-1", "parent"), "peer-a")
	pool.Add(orphanBlock("child-2", "parent"), "peer-a")
	pool.Add(orphanBlock("stranger", "other-parent"), "peer-b")

	children := pool.ChildrenOf("parent")
	require.Len(t, children, 2)

	hashes := []string{children[0].Hash, children[1].Hash}
	assert.ElementsMatch(t, []string{"child-1", "child-2"}, hashes)

	pool.Remove("child-1")
	assert.Len(t, pool.ChildrenOf("parent"), 1)
	assert.Equal(t, 2, pool.Size())
}

func TestOrphanPoolDueAdvancesAttempts(t *testing.T) {
	pool := NewOrphanPool()
	pool.Add(orphanBlock("child", "parent"), "peer-a")

	now := time.Now()

	due := pool.Due(now, time.Minute, 5*time.Minute, 5)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	// Within backoff: nothing due
	assert.Empty(t, pool.Due(now.Add(30*time.Second), time.Minute, 5*time.Minute, 5))

	// Past backoff: due again
	due = pool.Due(now.Add(61*time.Second), time.Minute, 5*time.Minute, 5)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)
}

func TestOrphanPoolEvictsOverAttemptBudget(t *testing.T) {
	pool := NewOrphanPool()
	pool.Add(orphanBlock("child", "parent"), "peer-a")

	now := time.Now()
	for i := 0; i < 5; i++ {
		pool.Due(now.Add(time.Duration(i)*2*time.Minute), time.Minute, time.Hour, 5)
	}

	// Sixth sweep finds the attempt budget exhausted and evicts
	assert.Empty(t, pool.Due(now.Add(12*time.Minute), time.Minute, time.Hour, 5))
	assert.Zero(t, pool.Size())
}

func TestOrphanPoolEvictsStaleEntries(t *testing.T) {
	pool := NewOrphanPool()
	pool.Add(orphanBlock("child", "parent"), "peer-a")

	assert.Empty(t, pool.Due(time.Now().Add(10*time.Minute), time.Minute, 5*time.Minute, 5))
	assert.Zero(t, pool.Size())
	assert.Empty(t, pool.ChildrenOf("parent"))
}

func TestOrphanPoolManyIndependentParents(t *testing.T) {
	pool := NewOrphanPool()

	for i := 0; i < 10; i++ {
		pool.Add(orphanBlock(
			fmt.Sprintf("child-%d", i),
			fmt.Sprintf("parent-%d", i),
		), "peer-a")
	}

	assert.Equal(t, 10, pool.Size())
	for i := 0; i < 10; i++ {
		assert.Len(t, pool.ChildrenOf(fmt.Sprintf("parent-%d", i)), 1)
	}
}

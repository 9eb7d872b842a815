package chain

import (
	"sync"
	"time"

	"fitchain/pkg/data"
)

// OrphanEntry holds a block waiting for its parent
type OrphanEntry struct {
	Block         *data.Block
	ReceivedFrom  string
	FirstSeenAt   time.Time
	Attempts      int
	LastAttemptAt time.Time
}

// OrphanPool holds blocks whose parent has not arrived yet. Entries leave
// the pool when their parent resolves, when they exceed the retry budget,
// or when the age sweep evicts them.
type OrphanPool struct {
	entries  map[string]*OrphanEntry
	byParent map[string][]string
	mu       sync.RWMutex
}

// NewOrphanPool creates an empty orphan pool
func NewOrphanPool() *OrphanPool {
	return &OrphanPool{
		entries:  make(map[string]*OrphanEntry),
		byParent: make(map[string][]string),
	}
}

// Add stores an orphan block. Adding the same block twice is a no-op, so
// duplicate gossip never duplicates pool entries.
func (op *OrphanPool) Add(block *data.Block, receivedFrom string) bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	if _, exists := op.entries[block.Hash]; exists {
		return false
	}

	op.entries[block.Hash] = &OrphanEntry{
		Block:        block,
		ReceivedFrom: receivedFrom,
		FirstSeenAt:  time.Now(),
	}
	op.byParent[block.PreviousHash] = append(op.byParent[block.PreviousHash], block.Hash)
	return true
}

// Remove drops an orphan entry
func (op *OrphanPool) Remove(blockHash string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.removeLocked(blockHash)
}

// ChildrenOf returns orphan blocks whose previous hash is parentHash
func (op *OrphanPool) ChildrenOf(parentHash string) []*data.Block {
	op.mu.RLock()
	defer op.mu.RUnlock()

	var children []*data.Block
	for _, hash := range op.byParent[parentHash] {
		if entry, exists := op.entries[hash]; exists {
			children = append(children, entry.Block)
		}
	}
	return children
}

// Size returns the number of pooled orphans
func (op *OrphanPool) Size() int {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return len(op.entries)
}

// Due returns entries ready for a resolution retry, honoring the retry
// backoff and max attempt budget, and evicts entries older than maxAge.
// Each returned entry has its attempt counter advanced.
func (op *OrphanPool) Due(now time.Time, retryBackoff, maxAge time.Duration, maxAttempts int) []*OrphanEntry {
	op.mu.Lock()
	defer op.mu.Unlock()

	var due []*OrphanEntry
	for hash, entry := range op.entries {
		if now.Sub(entry.FirstSeenAt) > maxAge || entry.Attempts >= maxAttempts {
			op.removeLocked(hash)
			continue
		}
		if !entry.LastAttemptAt.IsZero() && now.Sub(entry.LastAttemptAt) < retryBackoff {
			continue
		}
		entry.Attempts++
		entry.LastAttemptAt = now
		due = append(due, entry)
	}
	return due
}

func (op *OrphanPool) removeLocked(blockHash string) {
	entry, exists := op.entries[blockHash]
	if !exists {
		return
	}
	delete(op.entries, blockHash)

	siblings := op.byParent[entry.Block.PreviousHash]
	for i, hash := range siblings {
		if hash == blockHash {
			op.byParent[entry.Block.PreviousHash] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(op.byParent[entry.Block.PreviousHash]) == 0 {
		delete(op.byParent, entry.Block.PreviousHash)
	}
}

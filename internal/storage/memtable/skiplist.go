package memtable

import (
	"math/rand"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/mutation"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// node is one partition in the skip list
type node struct {
	key     dht.DecoratedKey
	value   *mutation.Mutation
	forward []*node
}

// SkipList orders partitions by decorated key, that is by token and then by
// key bytes. It is not safe for concurrent use.
type SkipList struct {
	head  *node
	level int
	size  int
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	return &SkipList{head: &node{forward: make([]*node, MaxLevel)}}
}

func (sl *SkipList) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on every level
func (sl *SkipList) findPredecessors(key dht.DecoratedKey, update []*node) *node {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key.Compare(key) < 0 {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Insert adds or replaces the partition stored under key
func (sl *SkipList) Insert(key dht.DecoratedKey, value *mutation.Mutation) {
	update := make([]*node, MaxLevel)
	next := sl.findPredecessors(key, update)
	if next != nil && next.key.Equal(key) {
		next.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node{key: key, value: value, forward: make([]*node, newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

// Search finds the partition stored under key
func (sl *SkipList) Search(key dht.DecoratedKey) (*mutation.Mutation, bool) {
	n := sl.findPredecessors(key, nil)
	if n != nil && n.key.Equal(key) {
		return n.value, true
	}
	return nil, false
}

// Delete removes the partition stored under key
func (sl *SkipList) Delete(key dht.DecoratedKey) bool {
	update := make([]*node, MaxLevel)
	n := sl.findPredecessors(key, update)
	if n == nil || !n.key.Equal(key) {
		return false
	}
	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of partitions
func (sl *SkipList) Len() int {
	return sl.size
}

// Iterator starts before the first partition
func (sl *SkipList) Iterator() *Iterator {
	return &Iterator{current: sl.head}
}

// Seek starts before the first partition whose key is >= key
func (sl *SkipList) Seek(key dht.DecoratedKey) *Iterator {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key.Compare(key) < 0 {
			current = current.forward[i]
		}
	}
	return &Iterator{current: current}
}

// Iterator walks partitions in key order
type Iterator struct {
	current *node
}

// Next moves to the next partition
func (it *Iterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *Iterator) Key() dht.DecoratedKey {
	if it.current == nil {
		return dht.DecoratedKey{}
	}
	return it.current.key
}

// Value returns the current partition
func (it *Iterator) Value() *mutation.Mutation {
	if it.current == nil {
		return nil
	}
	return it.current.value
}

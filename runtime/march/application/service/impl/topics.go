package impl

import (
	"sort"
	"sync"
)

// TopicTable 话题 -> 成组人数，支持配置热更新
type TopicTable struct {
	mu    sync.RWMutex
	sizes map[string]int
}

func NewTopicTable(sizes map[string]int) *TopicTable {
	t := &TopicTable{}
	t.Update(sizes)
	return t
}

func (t *TopicTable) GroupSize(topic string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size, ok := t.sizes[topic]
	return size, ok
}

// Update 整体替换，人数小于 2 的话题被忽略
func (t *TopicTable) Update(sizes map[string]int) {
	next := make(map[string]int, len(sizes))
	for topic, size := range sizes {
		if size >= 2 {
			next[topic] = size
		}
	}
	t.mu.Lock()
	t.sizes = next
	t.mu.Unlock()
}

func (t *TopicTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.sizes))
	for topic := range t.sizes {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

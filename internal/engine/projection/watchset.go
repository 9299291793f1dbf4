package projection

import "sync"

// WatchSet maps a topic (symbol@exchange) to the set of holder ids that
// depend on its ticks: order externalIds and position uuids. The first holder
// added to a topic means the engine must subscribe, the last removed means it
// must unsubscribe; the set itself is pure and leaves the side effects to the
// caller.
type WatchSet struct {
	mu      sync.RWMutex
	holders map[string]map[string]struct{}
}

func NewWatchSet() *WatchSet {
	return &WatchSet{
		holders: make(map[string]map[string]struct{}),
	}
}

// Add registers a holder for the topic. Returns true when the topic was
// previously empty, i.e. the caller must subscribe.
func (w *WatchSet) Add(topic, holderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.holders[topic]
	if !ok {
		set = make(map[string]struct{})
		w.holders[topic] = set
	}
	first := len(set) == 0
	set[holderID] = struct{}{}
	return first
}

// Remove drops a holder from the topic. Returns true when the set became
// empty, i.e. the caller must unsubscribe. Removing an unknown holder is a
// no-op returning false.
func (w *WatchSet) Remove(topic, holderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.holders[topic]
	if !ok {
		return false
	}
	if _, ok := set[holderID]; !ok {
		return false
	}
	delete(set, holderID)
	if len(set) == 0 {
		delete(w.holders, topic)
		return true
	}
	return false
}

// Has reports whether the holder is registered on the topic.
func (w *WatchSet) Has(topic, holderID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.holders[topic][holderID]
	return ok
}

// Topics snapshots the currently watched topics, used to resubscribe after a
// pub/sub reconnect.
func (w *WatchSet) Topics() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.holders))
	for topic := range w.holders {
		out = append(out, topic)
	}
	return out
}

// Len reports the number of watched topics, for gauges.
func (w *WatchSet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.holders)
}

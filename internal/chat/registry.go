package chat

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/andy6609/chatd/internal/metrics"
)

// Rooms maps room names to live rooms. Lookups, joins and the removal of an
// emptied room are serialized by one lock, so a name never resolves to a room
// that is being torn down.
type Rooms struct {
	mu     sync.Mutex
	byName map[string]*Room
	logger *slog.Logger
}

func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		byName: make(map[string]*Room),
		logger: logger,
	}
}

// GetOrCreate returns the room called name, creating it when absent.
func (rs *Rooms) GetOrCreate(name string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.getOrCreateLocked(name)
}

func (rs *Rooms) getOrCreateLocked(name string) *Room {
	if r, ok := rs.byName[name]; ok {
		return r
	}
	r := newRoom(name, rs)
	rs.byName[name] = r
	metrics.Rooms.Set(float64(len(rs.byName)))

	rs.logger.Info("room created", "room", name)
	return r
}

// Join subscribes sub to the room called name in one step with the lookup.
func (rs *Rooms) Join(name string, sub Subscriber) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.getOrCreateLocked(name)
	// a registered room is never closed, so this cannot fail
	_ = r.Subscribe(sub)
	return r
}

func (rs *Rooms) removeIfEmpty(r *Room) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.byName[r.name] != r {
		return
	}

	r.mu.Lock()
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()
	if !empty {
		return
	}

	delete(rs.byName, r.name)
	metrics.Rooms.Set(float64(len(rs.byName)))

	rs.logger.Info("room removed", "room", r.name)
}

func (rs *Rooms) Lookup(name string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byName[name]
	return r, ok
}

func (rs *Rooms) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.byName)
}

// Names returns the registered room names in sorted order.
func (rs *Rooms) Names() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	names := make([]string, 0, len(rs.byName))
	for name := range rs.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

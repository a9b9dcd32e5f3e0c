package setup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
)

// Notifier shows persistent, user-facing notifications. Notify with an id
// that is already active replaces it.
type Notifier interface {
	Notify(ctx context.Context, id, title, message string)
	Dismiss(ctx context.Context, id string)
}

// Notification is an active notification.
type Notification struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Updated time.Time `json:"updated"`
}

// MemoryNotifier keeps active notifications in memory and logs every change.
type MemoryNotifier struct {
	clock clock.Clock

	mu     sync.Mutex
	active map[string]Notification
}

// NewMemoryNotifier returns an empty MemoryNotifier. A nil clock uses the
// wall clock.
func NewMemoryNotifier(clk clock.Clock) *MemoryNotifier {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryNotifier{
		clock:  clk,
		active: make(map[string]Notification),
	}
}

func (n *MemoryNotifier) Notify(ctx context.Context, id, title, message string) {
	n.mu.Lock()
	n.active[id] = Notification{
		ID:      id,
		Title:   title,
		Message: message,
		Updated: n.clock.Now(),
	}
	n.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, title, slog.String("notificationID", id), slog.String("message", message))
}

func (n *MemoryNotifier) Dismiss(ctx context.Context, id string) {
	n.mu.Lock()
	_, ok := n.active[id]
	delete(n.active, id)
	n.mu.Unlock()

	if ok {
		log.Ctx(ctx).DebugContext(ctx, "dismissed notification", slog.String("notificationID", id))
	}
}

// Active returns the active notifications sorted by id.
func (n *MemoryNotifier) Active() []Notification {
	n.mu.Lock()
	out := make([]Notification, 0, len(n.active))
	for _, a := range n.active {
		out = append(out, a)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the active notification with id.
func (n *MemoryNotifier) Get(id string) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.active[id]
	return a, ok
}

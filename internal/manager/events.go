package manager

// Event represents a model lifecycle event. Names in use: load_start,
// load_ready, load_error, evict, unload_start, unload_done, model_corrupt,
// reset.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Fanout delivers every event to each publisher in order.
type Fanout []EventPublisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

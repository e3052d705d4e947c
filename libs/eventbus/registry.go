package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc processes one decoded event. A non-nil error marks the whole
// delivery as failed so the consumer runtime redelivers the record; handlers
// must therefore tolerate duplicate delivery.
type HandlerFunc func(ctx context.Context, evt Event) error

type registration struct {
	decode   func(data []byte) (Event, error)
	handlers []HandlerFunc
}

// Registry maps topic names to payload types and handlers. It is populated
// at startup, before the consumer subscribes; the consumer snapshots its
// topic list once.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]*registration)}
}

// RegisterType binds a topic to the event type decoded from it. Registering
// a topic with no handlers is valid: the consumer subscribes to it and
// silently skips deliveries.
func RegisterType[E Event](r *Registry, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(topic, decoder[E]())
}

// Subscribe binds a typed handler to a topic, registering the topic's event
// type if it has not been registered yet. Multiple handlers per topic are
// allowed; registration order carries no meaning.
func Subscribe[E Event](r *Registry, topic string, fn func(ctx context.Context, evt E) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.ensureLocked(topic, decoder[E]())
	reg.handlers = append(reg.handlers, func(ctx context.Context, evt Event) error {
		typed, ok := evt.(E)
		if !ok {
			return fmt.Errorf("topic %s: unexpected event type %T", topic, evt)
		}
		return fn(ctx, typed)
	})
}

func decoder[E Event]() func(data []byte) (Event, error) {
	return func(data []byte) (Event, error) {
		var evt E
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}
		return evt, nil
	}
}

func (r *Registry) ensureLocked(topic string, decode func([]byte) (Event, error)) *registration {
	reg, ok := r.topics[topic]
	if !ok {
		reg = &registration{decode: decode}
		r.topics[topic] = reg
	}
	return reg
}

// Topics returns the sorted list of registered topic names.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Decode resolves a topic to its event type and decodes the payload. The
// second return reports whether the topic is registered at all.
func (r *Registry) Decode(topic string, data []byte) (Event, bool, error) {
	r.mu.RLock()
	reg, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	evt, err := reg.decode(data)
	if err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", topic, err)
	}
	return evt, true, nil
}

// Dispatch invokes every handler registered for the topic. All handlers run
// even if an earlier one fails; any failure fails the delivery so the record
// is redelivered. Zero handlers is a silent no-op.
func (r *Registry) Dispatch(ctx context.Context, topic string, evt Event) error {
	r.mu.RLock()
	reg, ok := r.topics[topic]
	var handlers []HandlerFunc
	if ok {
		handlers = append(handlers, reg.handlers...)
	}
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandlerCount reports how many handlers are bound to a topic.
func (r *Registry) HandlerCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.topics[topic]; ok {
		return len(reg.handlers)
	}
	return 0
}

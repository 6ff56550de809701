package webhooks

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingest/core"
)

// Registry maps event topics to their handlers. Registering a topic twice
// keeps the latest handler and logs a warning; callers relying on the old
// handler find out from the log, not from silent drops.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.Handler
	logger   core.Logger
}

func NewRegistry(logger core.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]core.Handler),
		logger:   logger,
	}
}

func (r *Registry) Register(topic string, handler core.Handler) error {
	if r == nil {
		return fmt.Errorf("webhooks: registry is not configured")
	}
	if handler == nil {
		return fmt.Errorf("webhooks: handler is nil")
	}
	topic = normalizeTopic(topic)
	if topic == "" {
		return fmt.Errorf("webhooks: topic is required")
	}
	r.mu.Lock()
	_, replaced := r.handlers[topic]
	r.handlers[topic] = handler
	r.mu.Unlock()
	if replaced && r.logger != nil {
		r.logger.Warn("webhooks: handler replaced for topic", "topic", topic)
	}
	return nil
}

func (r *Registry) RegisterAll(topics []string, handler core.Handler) error {
	for _, topic := range topics {
		if err := r.Register(topic, handler); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Resolve(topic string) (core.Handler, bool) {
	if r == nil {
		return nil, false
	}
	topic = normalizeTopic(topic)
	if topic == "" {
		return nil, false
	}
	r.mu.RLock()
	handler, ok := r.handlers[topic]
	r.mu.RUnlock()
	return handler, ok
}

func (r *Registry) Deregister(topic string) bool {
	if r == nil {
		return false
	}
	topic = normalizeTopic(topic)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[topic]; !ok {
		return false
	}
	delete(r.handlers, topic)
	return true
}

func (r *Registry) Topics() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	r.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(strings.ToLower(topic))
}

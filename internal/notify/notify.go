// Package notify forwards pipeline events from the registry bus to an
// external notification sink.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

// Notification is one message for a human channel.
type Notification struct {
	EventID  string
	Topic    string
	Priority string
	Title    string
	Fields   map[string]any
	Time     time.Time
}

// SortedKeys returns the field names in stable order.
func (n Notification) SortedKeys() []string {
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		if k == "priority" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// High reports whether the notification is high priority.
func (n Notification) High() bool { return n.Priority == pipeline.PriorityHigh }

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

var titles = map[string]string{
	pipeline.TopicWorkflowCompleted:  "Workflow completed",
	pipeline.TopicWorkflowFailed:     "Workflow failed",
	pipeline.TopicWorkflowError:      "Workflow error",
	pipeline.TopicWorkflowStuck:      "Workflow stuck",
	pipeline.TopicStageEscalation:    "Stage escalation",
	pipeline.TopicOptimization:       "Stage config adjusted",
	pipeline.TopicOptimizationAdvice: "Pipeline optimization advice",
	pipeline.TopicNeedsHuman:         "Case needs human review",
	pipeline.TopicAgentUnhealthy:     "Agent unhealthy",
}

// FromEvent converts a bus event.
func FromEvent(ev registry.Event) Notification {
	n := Notification{
		EventID:  ev.ID,
		Topic:    ev.Topic,
		Priority: pipeline.PriorityNormal,
		Title:    titles[ev.Topic],
		Fields:   map[string]any(ev.Payload),
		Time:     ev.Time,
	}
	if p, ok := ev.Payload["priority"].(string); ok && p != "" {
		n.Priority = p
	}
	if n.Title == "" {
		n.Title = ev.Topic
	}
	return n
}

// Dispatcher subscribes to topics and hands each event to a sink. Sink
// failures are logged and counted, never propagated to publishers.
type Dispatcher struct {
	reg    *registry.Registry
	sink   Sink
	topics []string
	logger log.Logger

	// Timeout bounds one sink call. Zero means 10s.
	Timeout time.Duration
	// OnFailure is called after each failed delivery.
	OnFailure func(topic string)

	mu        sync.Mutex
	delivered int
	failed    int
}

// NewDispatcher creates a dispatcher. topics defaults to pipeline.NotifyTopics.
func NewDispatcher(reg *registry.Registry, sink Sink, topics []string, logger log.Logger) *Dispatcher {
	if len(topics) == 0 {
		topics = pipeline.NotifyTopics
	}
	return &Dispatcher{reg: reg, sink: sink, topics: topics, logger: logger}
}

// Start subscribes to every topic before it returns, then delivers events in
// the background until ctx is cancelled. The returned channel is closed once
// all subscriptions are released. Call it before starting publishers.
func (d *Dispatcher) Start(ctx context.Context) <-chan struct{} {
	subs := make([]*registry.Subscription, 0, len(d.topics))
	for _, t := range d.topics {
		subs = append(subs, d.reg.Subscribe(t))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range subs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.consume(ctx, s)
			}()
		}

		<-ctx.Done()
		for _, s := range subs {
			d.reg.Unsubscribe(s)
		}
		wg.Wait()
	}()
	return done
}

// Run is Start followed by a wait for shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	<-d.Start(ctx)
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, s *registry.Subscription) {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if !errors.Is(err, registry.ErrClosed) && !errors.Is(err, context.Canceled) {
				d.logger.Error(ctx, err, "notification subscription ended", "topic", s.Topic())
			}
			return
		}
		d.Deliver(ctx, ev)
	}
}

// Deliver sends one event to the sink.
func (d *Dispatcher) Deliver(ctx context.Context, ev registry.Event) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := safeNotify(sctx, d.sink, FromEvent(ev))

	d.mu.Lock()
	if err != nil {
		d.failed++
	} else {
		d.delivered++
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error(ctx, err, "notification failed", "topic", ev.Topic, "event_id", ev.ID)
		if d.OnFailure != nil {
			d.OnFailure(ev.Topic)
		}
	}
}

// Counts returns delivered and failed totals.
func (d *Dispatcher) Counts() (delivered, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered, d.failed
}

func safeNotify(ctx context.Context, s Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Notify(ctx, n)
}

// LogSink writes notifications to the logger. It is the sink used when no
// chat channel is configured.
type LogSink struct {
	Logger log.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, n Notification) error {
	kv := []any{"topic", n.Topic, "priority", n.Priority, "event_id", n.EventID}
	for _, k := range n.SortedKeys() {
		kv = append(kv, k, n.Fields[k])
	}
	if n.High() {
		s.Logger.Warn(ctx, n.Title, kv...)
	} else {
		s.Logger.Info(ctx, n.Title, kv...)
	}
	return nil
}

package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// emitResult carries a delivery outcome back from the worker;
// EmitEventWithLogging does not wait for it.
type emitResult struct {
	id string
	ok bool
}

type eventPayload struct {
	ctx                context.Context
	emitter            interface{}
	log                *zap.Logger
	eventType, eventID string
	meta               map[string]interface{}
	resultCh           chan<- emitResult
}

// ConcurrentEventEmitter is a thread-safe, concurrent EventEmitter
// implementation: callers enqueue and return immediately; a fixed worker
// pool performs the actual delivery so pipeline/protocol code never blocks
// on a slow event sink.
type ConcurrentEventEmitter struct {
	workers  int
	queue    chan eventPayload
	shutdown chan struct{}
	wg       sync.WaitGroup
	emitFunc func(context.Context, interface{}, *zap.Logger, string, string, map[string]interface{}) (string, bool)
}

// NewConcurrentEventEmitter creates a new concurrent EventEmitter.
// workers: number of worker goroutines
// queueSize: buffer size for the event queue
// emitFunc: actual event delivery logic (to Redis pub/sub, a webhook, etc.)
func NewConcurrentEventEmitter(workers, queueSize int, emitFunc func(context.Context, interface{}, *zap.Logger, string, string, map[string]interface{}) (string, bool)) *ConcurrentEventEmitter {
	e := &ConcurrentEventEmitter{
		workers:  workers,
		queue:    make(chan eventPayload, queueSize),
		shutdown: make(chan struct{}),
		emitFunc: emitFunc,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// EmitEventWithLogging enqueues an event for concurrent delivery and
// returns eventID and true without waiting for delivery. If the queue is
// full the event is dropped and logged, and it returns "" and false —
// delivery is best-effort, never blocking.
func (e *ConcurrentEventEmitter) EmitEventWithLogging(ctx context.Context, emitter interface{}, log *zap.Logger, eventType, eventID string, meta map[string]interface{}) (string, bool) {
	resultCh := make(chan emitResult, 1)
	payload := eventPayload{
		ctx: context.WithoutCancel(ctx), emitter: emitter, log: log, eventType: eventType, eventID: eventID, meta: meta, resultCh: resultCh,
	}
	select {
	case e.queue <- payload:
		return eventID, true
	default:
		if log != nil {
			log.Warn("event emitter queue full, dropping event", zap.String("event_type", eventType), zap.String("event_id", eventID))
		}
		return "", false
	}
}

// EmitRawEventWithLogging wraps a pre-serialized payload in a minimal
// metadata envelope and enqueues it the same way.
func (e *ConcurrentEventEmitter) EmitRawEventWithLogging(ctx context.Context, log *zap.Logger, eventType, eventID string, payload []byte) (string, bool) {
	return e.EmitEventWithLogging(ctx, nil, log, eventType, eventID, map[string]interface{}{"raw": string(payload)})
}

func (e *ConcurrentEventEmitter) worker() {
	defer e.wg.Done()
	for {
		select {
		case payload := <-e.queue:
			id, ok := e.emitFunc(payload.ctx, payload.emitter, payload.log, payload.eventType, payload.eventID, payload.meta)
			payload.resultCh <- emitResult{id, ok}
		case <-e.shutdown:
			return
		}
	}
}

// Close gracefully shuts down the emitter, waiting for all workers to finish.
func (e *ConcurrentEventEmitter) Close() {
	close(e.shutdown)
	e.wg.Wait()
}

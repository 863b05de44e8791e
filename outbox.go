package chatwire

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcileOp is one queued server write backing an already-applied local
// state transition (revocation, group mutation). The local effect stands
// whatever happens here; the op only chases the server.
type ReconcileOp struct {
	ID         string
	Kind       string
	Method     string
	Path       string
	Body       interface{}
	CreatedAt  time.Time
	Retries    int
	MaxRetries int
	LastError  string
}

// OutboxOptions configures the reconcile queue.
type OutboxOptions struct {
	FlushInterval time.Duration
	MaxRetries    int
}

// Outbox retries fire-and-forget server writes in the background instead of
// silently dropping them. Exhausted ops raise a reconcile-failed signal so
// callers can observe local/remote divergence, even if they ignore it today.
type Outbox struct {
	client   *Client
	log      *zap.Logger
	interval time.Duration
	retries  int

	mu       sync.Mutex
	ops      map[string]*ReconcileOp
	flushing bool
	stopCh   chan struct{}
	stopped  bool
	onFailed []func(ReconcileOp)
}

// NewOutbox creates a reconcile queue bound to the REST client.
func NewOutbox(client *Client, opts *OutboxOptions) *Outbox {
	o := &Outbox{
		client:   client,
		log:      client.log,
		interval: time.Second,
		retries:  5,
		ops:      make(map[string]*ReconcileOp),
		stopCh:   make(chan struct{}),
	}
	if opts != nil {
		if opts.FlushInterval > 0 {
			o.interval = opts.FlushInterval
		}
		if opts.MaxRetries > 0 {
			o.retries = opts.MaxRetries
		}
	}
	return o
}

// Start launches the background flush loop.
func (o *Outbox) Start() {
	go o.flushLoop()
}

// Stop halts background flushing. Pending ops are dropped.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
}

// OnReconcileFailed registers a handler invoked when an op exhausts its
// retries or is permanently rejected.
func (o *Outbox) OnReconcileFailed(h func(ReconcileOp)) {
	o.mu.Lock()
	o.onFailed = append(o.onFailed, h)
	o.mu.Unlock()
}

// Enqueue queues a server write for background delivery.
func (o *Outbox) Enqueue(kind, method, path string, body interface{}) string {
	op := &ReconcileOp{
		ID:         uuid.NewString(),
		Kind:       kind,
		Method:     method,
		Path:       path,
		Body:       body,
		CreatedAt:  time.Now(),
		MaxRetries: o.retries,
	}
	o.mu.Lock()
	o.ops[op.ID] = op
	o.mu.Unlock()
	return op.ID
}

// EnqueueRevoke queues the server side of a message revocation.
func (o *Outbox) EnqueueRevoke(conversationID, messageID string) string {
	return o.Enqueue("message.revoke", http.MethodPost,
		"/api/conversations/"+conversationID+"/messages/"+messageID+"/revoke", nil)
}

// PendingCount returns the number of queued ops.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

func (o *Outbox) flushLoop() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Flush(context.Background())
		}
	}
}

// Flush attempts every ready op once, oldest first. Transient failures are
// retried on later flushes; permanent rejections and exhausted retries are
// dropped and signalled.
func (o *Outbox) Flush(ctx context.Context) {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	ready := make([]*ReconcileOp, 0, len(o.ops))
	for _, op := range o.ops {
		ready = append(ready, op)
	}
	o.mu.Unlock()
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	for _, op := range ready {
		_, err := o.client.do(ctx, op.Method, op.Path, op.Body, nil)
		if err == nil {
			o.ack(op.ID)
			continue
		}

		var rej *ServerRejection
		if errors.As(err, &rej) {
			if isDuplicateRejection(rej.API) {
				// Already applied server-side; nothing left to reconcile.
				o.ack(op.ID)
				continue
			}
			o.log.Warn("reconcile op rejected",
				zap.String("kind", op.Kind), zap.String("path", op.Path), zap.Error(err))
			o.fail(op, err)
			continue
		}

		o.mu.Lock()
		op.Retries++
		op.LastError = err.Error()
		exhausted := op.Retries >= op.MaxRetries
		o.mu.Unlock()
		if exhausted {
			o.log.Warn("reconcile op exhausted retries",
				zap.String("kind", op.Kind), zap.String("path", op.Path), zap.Error(err))
			o.fail(op, err)
		}
	}
}

func (o *Outbox) ack(id string) {
	o.mu.Lock()
	delete(o.ops, id)
	o.mu.Unlock()
}

func (o *Outbox) fail(op *ReconcileOp, err error) {
	o.mu.Lock()
	delete(o.ops, op.ID)
	op.LastError = err.Error()
	handlers := append([]func(ReconcileOp){}, o.onFailed...)
	snapshot := *op
	o.mu.Unlock()
	for _, h := range handlers {
		h(snapshot)
	}
}

package presence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/metrics"
	"github.com/whisper/lobby/internal/protocol"
)

// DefaultOutboxSize is the per-connection outbound queue length.
const DefaultOutboxSize = 256

// Outlet is the transport side of a connection. The dispatcher writes to it
// from one delivery goroutine per connection, but the transport may write the
// same connection directly too (handshake frames, error replies), so
// implementations must serialize concurrent WriteMessage calls.
type Outlet interface {
	WriteMessage(data []byte) error
}

// Mirror receives a copy of every broadcast event, e.g. to publish it on a
// message bus. Publish must not block.
type Mirror interface {
	Publish(eventType string, data []byte) error
}

// Recipients selects which registered connections receive an event.
type Recipients struct {
	only   string
	except string
}

// All addresses every registered connection.
func All() Recipients { return Recipients{} }

// AllExcept addresses every registered connection but id.
func AllExcept(id string) Recipients { return Recipients{except: id} }

// Only addresses a single connection.
func Only(id string) Recipients { return Recipients{only: id} }

func (r Recipients) targeted() bool { return r.only != "" }

// outbox is one connection's FIFO queue and the goroutine draining it.
type outbox struct {
	id string
	ch chan []byte
}

func (o *outbox) run(out Outlet, log *zap.Logger) {
	for data := range o.ch {
		if err := out.WriteMessage(data); err != nil {
			log.Debug("delivery failed", zap.String("session", o.id), zap.Error(err))
		}
	}
}

// Dispatcher fans encoded events out to connections. Each attached
// connection gets its own queue and delivery goroutine, so events reach any
// single recipient in the order they were sent.
type Dispatcher struct {
	log       *zap.Logger
	registry  *Registry
	mirror    Mirror
	queueSize int

	mu       sync.Mutex
	outboxes map[string]*outbox
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher drawing recipients from registry. mirror
// may be nil.
func NewDispatcher(log *zap.Logger, registry *Registry, queueSize int, mirror Mirror) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultOutboxSize
	}
	return &Dispatcher{
		log:       log,
		registry:  registry,
		mirror:    mirror,
		queueSize: queueSize,
		outboxes:  make(map[string]*outbox),
	}
}

// Attach starts the delivery goroutine for id. Attaching an id that already
// has an outbox is a no-op.
func (d *Dispatcher) Attach(id string, out Outlet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.outboxes[id]; ok {
		return
	}
	o := &outbox{id: id, ch: make(chan []byte, d.queueSize)}
	d.outboxes[id] = o
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		o.run(out, d.log)
	}()
}

// Detach closes id's queue. Events already queued are still delivered.
func (d *Dispatcher) Detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if o, ok := d.outboxes[id]; ok {
		delete(d.outboxes, id)
		close(o.ch)
	}
}

// Send encodes payload as eventType and enqueues it for every recipient in
// to. Recipients without an outbox are skipped. It returns how many queues
// accepted the event.
func (d *Dispatcher) Send(eventType string, payload interface{}, to Recipients) int {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		d.log.Error("failed to encode event", zap.String("type", eventType), zap.Error(err))
		return 0
	}

	var ids []string
	if to.targeted() {
		ids = []string{to.only}
	} else {
		ids = d.registry.IDs()
	}

	delivered := 0
	d.mu.Lock()
	for _, id := range ids {
		if id == to.except {
			continue
		}
		o, ok := d.outboxes[id]
		if !ok {
			continue
		}
		select {
		case o.ch <- data:
			delivered++
		default:
			metrics.OutboundDropped.Inc()
			d.log.Warn("event dropped: outbox full",
				zap.String("session", id), zap.String("type", eventType))
		}
	}
	d.mu.Unlock()

	metrics.EventsDispatched.WithLabelValues(eventType).Add(float64(delivered))

	if d.mirror != nil && !to.targeted() {
		if err := d.mirror.Publish(eventType, data); err != nil {
			d.log.Warn("mirror publish failed", zap.String("type", eventType), zap.Error(err))
		}
	}
	return delivered
}

// attached returns the number of connections with an outbox.
func (d *Dispatcher) attached() int {
	d.mu.Lock()
	n := len(d.outboxes)
	d.mu.Unlock()
	return n
}

// Close detaches every connection and waits for all delivery goroutines,
// including those of connections detached earlier, to drain their queues.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for id, o := range d.outboxes {
		delete(d.outboxes, id)
		close(o.ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

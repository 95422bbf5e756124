// Package channel implements the direct multicast substrate: named channels
// inside one process where a message posted on a port reaches every other
// port joined under the same name, in the order it was posted, and never
// comes back to the sender.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("channel closed")
	ErrEmptyName   = errors.New("channel name is required")
	ErrNetworkDown = errors.New("network shut down")
)

const DefaultBufferSize = 100

// Message is one posting on a named channel. Payload is already encoded by
// the sender's codec.
type Message struct {
	From    string
	Event   string
	Payload string
}

// Network owns every named channel of one process.
type Network struct {
	channels   map[string]map[string]*Port
	mu         sync.RWMutex
	bufferSize int

	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNetwork creates a Network whose ports buffer up to bufferSize messages.
// A nil logger falls back to slog.Default.
func NewNetwork(ctx context.Context, bufferSize int, logger *slog.Logger) *Network {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	netCtx, cancel := context.WithCancel(ctx)
	return &Network{
		channels:   make(map[string]map[string]*Port),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    &Metrics{},
		ctx:        netCtx,
		cancel:     cancel,
	}
}

// Join attaches a new port to the named channel.
func (n *Network) Join(name string) (*Port, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if n.ctx.Err() != nil {
		return nil, ErrNetworkDown
	}

	port := newPort(n, name)

	n.mu.Lock()
	if n.channels[name] == nil {
		n.channels[name] = make(map[string]*Port)
	}
	n.channels[name][port.id] = port
	n.mu.Unlock()

	n.metrics.recordPort(1)
	n.logger.DebugContext(n.ctx, "port joined",
		slog.String("channel", name),
		slog.String("port_id", port.id),
	)
	return port, nil
}

func (n *Network) leave(port *Port) bool {
	n.mu.Lock()
	ports, ok := n.channels[port.name]
	if ok {
		_, ok = ports[port.id]
		delete(ports, port.id)
		if len(ports) == 0 {
			delete(n.channels, port.name)
		}
	}
	n.mu.Unlock()

	if ok {
		n.metrics.recordPort(-1)
		n.logger.DebugContext(n.ctx, "port left",
			slog.String("channel", port.name),
			slog.String("port_id", port.id),
		)
	}
	return ok
}

func (n *Network) post(ctx context.Context, from *Port, msg Message) error {
	n.mu.RLock()
	recipients := make([]*Port, 0, len(n.channels[from.name]))
	for id, port := range n.channels[from.name] {
		if id != from.id {
			recipients = append(recipients, port)
		}
	}
	n.mu.RUnlock()

	n.metrics.recordSent()
	for _, port := range recipients {
		if err := port.deliver(msg); err != nil {
			n.metrics.recordUndelivered()
			n.logger.WarnContext(ctx, "failed to deliver channel message",
				slog.String("channel", from.name),
				slog.String("from", from.id),
				slog.String("to", port.id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Metrics returns a snapshot of the network counters.
func (n *Network) Metrics() MetricsSnapshot {
	return n.metrics.Snapshot()
}

// Shutdown closes every port and rejects further joins.
func (n *Network) Shutdown() {
	n.cancel()

	n.mu.Lock()
	var ports []*Port
	for _, byID := range n.channels {
		for _, port := range byID {
			ports = append(ports, port)
		}
	}
	n.channels = make(map[string]map[string]*Port)
	n.mu.Unlock()

	for _, port := range ports {
		port.halt()
	}
}

// Port is one participant's attachment to a named channel. Deliveries
// queue without bound and a pump moves them into the buffered inbox, so Post
// never waits on a receiver that is itself posting.
type Port struct {
	id      string
	name    string
	network *Network
	inbox   *MessageChannel[Message]

	mu      sync.Mutex
	pending []Message
	closed  bool
	signal  chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

func newPort(n *Network, name string) *Port {
	ctx, cancel := context.WithCancel(n.ctx)
	p := &Port{
		id:      uuid.Must(uuid.NewV7()).String(),
		name:    name,
		network: n,
		inbox:   NewMessageChannel[Message](n.ctx, n.bufferSize),
		signal:  make(chan struct{}, 1),
		cancel:  cancel,
	}
	go p.pump(ctx)
	return p
}

func (p *Port) ID() string   { return p.id }
func (p *Port) Name() string { return p.name }

// Post delivers msg to every other port on the channel. Post on a closed
// port returns ErrClosed.
func (p *Port) Post(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.network.post(ctx, p, msg); err != nil {
		return fmt.Errorf("post on %s: %w", p.name, err)
	}
	return nil
}

// Receive blocks for the next message addressed to this port.
func (p *Port) Receive(ctx context.Context) (Message, error) {
	msg, err := p.inbox.Receive(ctx)
	if err == nil {
		p.network.metrics.recordRecv()
	}
	return msg, err
}

// Close detaches the port. Receive drains what already reached the inbox
// and then returns ErrClosed.
func (p *Port) Close() error {
	p.once.Do(func() {
		p.network.leave(p)
		p.halt()
	})
	return nil
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) deliver(msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending = append(p.pending, msg)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

func (p *Port) halt() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	p.cancel()
}

func (p *Port) pump(ctx context.Context) {
	defer p.inbox.Close()

	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, msg := range batch {
			if err := p.inbox.Send(ctx, msg); err != nil {
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return
		}
	}
}

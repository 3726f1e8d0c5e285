package transport

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/roach88/spacesync/internal/fault"
)

type delivery struct {
	space string
	from  string
	to    string
	data  []byte
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithDuplication delivers each message twice with probability p.
func WithDuplication(p float64) NetworkOption {
	return func(n *Network) {
		n.dup = p
	}
}

// WithReordering delivers pending messages in a random order drawn from a
// generator seeded with seed.
func WithReordering(seed uint64) NetworkOption {
	return func(n *Network) {
		n.reorder = true
		n.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithManualDelivery queues messages until Flush or Step is called.
// Without it a background goroutine delivers as messages arrive.
func WithManualDelivery() NetworkOption {
	return func(n *Network) {
		n.manual = true
	}
}

// WithNetworkLogger sets the logger.
func WithNetworkLogger(l *slog.Logger) NetworkOption {
	return func(n *Network) {
		n.logger = l
	}
}

// Network is an in-memory message bus. Each peer gets an Endpoint.
type Network struct {
	mu       sync.Mutex
	handlers map[string]map[string]Handler // space -> peer -> handler
	pending  []delivery
	cut      map[[2]string]bool
	signal   chan struct{}
	closed   bool
	done     chan struct{}

	dup     float64
	reorder bool
	manual  bool
	rng     *rand.Rand
	logger  *slog.Logger

	delivered int
	dropped   int
}

// NewNetwork returns a network. Unless WithManualDelivery is given, a
// goroutine delivers messages until Close.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		handlers: make(map[string]map[string]Handler),
		cut:      make(map[[2]string]bool),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewPCG(1, 2)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.manual {
		close(n.done)
	} else {
		go n.run()
	}
	return n
}

// Endpoint returns the Transport of peer on this network.
func (n *Network) Endpoint(peer string) *Endpoint {
	return &Endpoint{net: n, peer: peer}
}

// Partition drops traffic between a and b in both directions until Heal.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.cut)
}

// Pending returns the number of queued deliveries.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Stats returns how many messages were delivered and dropped so far.
func (n *Network) Stats() (delivered, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.dropped
}

// Step delivers one queued message. It returns false if the queue is empty.
func (n *Network) Step() bool {
	d, h, ok := n.next()
	if !ok {
		return false
	}
	if h != nil {
		h(d.from, d.data)
	}
	return true
}

// Flush delivers until the queue is empty, including messages enqueued by
// handlers while flushing. It returns the number of deliveries.
func (n *Network) Flush() int {
	count := 0
	for n.Step() {
		count++
	}
	return count
}

// Close stops the delivery goroutine and drops queued messages.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.pending = nil
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
	<-n.done
	return nil
}

func (n *Network) run() {
	defer close(n.done)
	for {
		for n.Step() {
		}
		<-n.signal
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
	}
}

// next pops a delivery and resolves its handler under the lock. A nil
// handler means the receiver left or the link is cut; the message is lost.
func (n *Network) next() (delivery, Handler, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 || n.closed {
		return delivery{}, nil, false
	}
	i := 0
	if n.reorder {
		i = n.rng.IntN(len(n.pending))
	}
	d := n.pending[i]
	n.pending = append(n.pending[:i], n.pending[i+1:]...)

	h := n.handlers[d.space][d.to]
	if h == nil || n.cut[[2]string{d.from, d.to}] {
		n.dropped++
		return d, nil, true
	}
	n.delivered++
	return d, h, true
}

func (n *Network) enqueue(d delivery) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, d)
	if n.dup > 0 && n.rng.Float64() < n.dup {
		n.pending = append(n.pending, d)
	}
	n.mu.Unlock()

	if !n.manual {
		select {
		case n.signal <- struct{}{}:
		default:
		}
	}
}

func (n *Network) peers(space, except string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for peer := range n.handlers[space] {
		if peer != except {
			out = append(out, peer)
		}
	}
	slices.Sort(out)
	return out
}

// Endpoint is one peer's view of a Network.
type Endpoint struct {
	net  *Network
	peer string
}

var _ Transport = (*Endpoint)(nil)

// Peer returns the endpoint's peer id.
func (e *Endpoint) Peer() string {
	return e.peer
}

// Join implements Transport.
func (e *Endpoint) Join(spaceID string, h Handler) error {
	if h == nil {
		return fault.New(fault.InvalidArgument, "nil handler")
	}
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handlers[spaceID] == nil {
		n.handlers[spaceID] = make(map[string]Handler)
	}
	n.handlers[spaceID][e.peer] = h
	n.logger.Debug("peer joined", "space", spaceID, "peer", e.peer)
	return nil
}

// Leave implements Transport.
func (e *Endpoint) Leave(spaceID string) error {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers[spaceID], e.peer)
	return nil
}

// Send implements Transport.
func (e *Endpoint) Send(spaceID, peer string, data []byte) error {
	e.net.enqueue(delivery{space: spaceID, from: e.peer, to: peer, data: data})
	return nil
}

// Broadcast implements Transport.
func (e *Endpoint) Broadcast(spaceID string, data []byte) error {
	for _, peer := range e.net.peers(spaceID, e.peer) {
		e.net.enqueue(delivery{space: spaceID, from: e.peer, to: peer, data: data})
	}
	return nil
}

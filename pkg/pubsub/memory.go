package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfga/twinguard/pkg/signals"
)

type link struct {
	a, b string
}

func newLink(a, b string) link {
	if a > b {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// MemoryNetwork connects replicas living in one process. Every message goes
// through the CBOR codec as it would on the wire, and links between replicas
// can be cut to simulate partitions.
type MemoryNetwork struct {
	mu          sync.RWMutex
	nodes       map[string]Node
	partitioned map[link]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:       map[string]Node{},
		partitioned: map[link]struct{}{},
	}
}

// Join registers the node answering for id.
func (n *MemoryNetwork) Join(id string, node Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = node
}

// Leave removes id from the network. Messages to it fail with ErrPeerUnreachable.
func (n *MemoryNetwork) Leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// Partition cuts the link between a and b in both directions.
func (n *MemoryNetwork) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[newLink(a, b)] = struct{}{}
}

// Heal restores every link.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned = map[link]struct{}{}
}

// Transport returns the transport replica self uses to reach the others.
func (n *MemoryNetwork) Transport(self string) Transport {
	return &memoryTransport{network: n, self: self}
}

func (n *MemoryNetwork) node(from, to string) (Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if _, cut := n.partitioned[newLink(from, to)]; cut {
		return nil, fmt.Errorf("%w: '%s' is partitioned from '%s'", ErrPeerUnreachable, to, from)
	}
	node, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrPeerUnreachable, to)
	}
	return node, nil
}

type memoryTransport struct {
	network *MemoryNetwork
	self    string
}

var _ Transport = (*memoryTransport)(nil)

// roundTrip copies v through the codec.
func roundTrip[T any](v T) (T, error) {
	var out T
	data, err := signals.Marshal(v)
	if err != nil {
		return out, err
	}
	err = signals.Unmarshal(data, &out)
	return out, err
}

func (t *memoryTransport) Replicate(ctx context.Context, peer string, entries []Entry) error {
	node, err := t.network.node(t.self, peer)
	if err != nil {
		return err
	}
	wire, err := roundTrip(entries)
	if err != nil {
		return err
	}
	return node.HandleReplicate(ctx, wire)
}

func (t *memoryTransport) Exchange(ctx context.Context, peer string, entries []Entry) ([]Entry, error) {
	node, err := t.network.node(t.self, peer)
	if err != nil {
		return nil, err
	}
	wire, err := roundTrip(entries)
	if err != nil {
		return nil, err
	}
	remote, err := node.HandleExchange(ctx, wire)
	if err != nil {
		return nil, err
	}
	return roundTrip(remote)
}

func (t *memoryTransport) Forward(ctx context.Context, peer string, d Delivery) error {
	node, err := t.network.node(t.self, peer)
	if err != nil {
		return err
	}
	wire, err := roundTrip(d)
	if err != nil {
		return err
	}
	return node.HandleForward(ctx, wire)
}

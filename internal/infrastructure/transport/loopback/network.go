package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/ports"
)

const inboundBufferSize = 256

var (
	// ErrDuplicatedPeer is returned when connecting a peer twice.
	ErrDuplicatedPeer = errors.New("peer already connected")
)

// Network is an in-process message exchange between swap nodes. Every peer
// connected to the network gets a Transport that delivers packets to the
// other connected peers.
type Network struct {
	lock  *sync.RWMutex
	peers map[string]*Transport
}

func NewNetwork() *Network {
	return &Network{
		lock:  &sync.RWMutex{},
		peers: make(map[string]*Transport),
	}
}

// Connect adds a peer to the network. The identifiers are the ids of the
// peer nodes on the swap clients, by currency.
func (n *Network) Connect(
	peerPubKey string, identifiers map[string]string,
) (*Transport, error) {
	if peerPubKey == "" {
		return nil, fmt.Errorf("missing peer pubkey")
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.peers[peerPubKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatedPeer, peerPubKey)
	}

	ids := make(map[string]string, len(identifiers))
	for currency, id := range identifiers {
		ids[currency] = id
	}
	t := &Transport{
		network:     n,
		pubkey:      peerPubKey,
		identifiers: ids,
		inbound:     make(chan ports.InboundPacket, inboundBufferSize),
	}
	n.peers[peerPubKey] = t

	log.Debugf("loopback: peer %s connected", peerPubKey)
	return t, nil
}

// Disconnect removes a peer from the network. Packets sent to it fail with
// ports.ErrPeerUnreachable from now on.
func (n *Network) Disconnect(peerPubKey string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.peers[peerPubKey]; !ok {
		return
	}
	delete(n.peers, peerPubKey)

	log.Debugf("loopback: peer %s disconnected", peerPubKey)
}

// Peers returns the pubkeys of the connected peers.
func (n *Network) Peers() []string {
	n.lock.RLock()
	defer n.lock.RUnlock()

	peers := make([]string, 0, len(n.peers))
	for pubkey := range n.peers {
		peers = append(peers, pubkey)
	}
	return peers
}

func (n *Network) peer(peerPubKey string) (*Transport, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()

	t, ok := n.peers[peerPubKey]
	return t, ok
}

// Transport is the ports.PeerTransport of a peer connected to a loopback
// Network.
type Transport struct {
	network     *Network
	pubkey      string
	identifiers map[string]string
	inbound     chan ports.InboundPacket
}

// PubKey returns the pubkey of the peer owning the transport.
func (t *Transport) PubKey() string {
	return t.pubkey
}

func (t *Transport) Send(
	ctx context.Context, peerPubKey string, packet ports.Packet,
) error {
	if packet == nil {
		return fmt.Errorf("missing packet")
	}

	peer, ok := t.network.peer(peerPubKey)
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrPeerUnreachable, peerPubKey)
	}
	if _, ok := t.network.peer(t.pubkey); !ok {
		return fmt.Errorf("%w: %s is disconnected", ports.ErrPeerUnreachable, t.pubkey)
	}

	select {
	case peer.inbound <- ports.InboundPacket{PeerPubKey: t.pubkey, Packet: packet}:
		log.Debugf(
			"loopback: sent %s packet for hash %s from %s to %s",
			packet.Type(), packet.Hash(), t.pubkey, peerPubKey,
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the packets sent to the peer. Packets sent while no
// subscription is open are buffered, and every packet is delivered to only
// one of the open subscriptions.
func (t *Transport) Subscribe(
	ctx context.Context,
) (<-chan ports.InboundPacket, error) {
	out := make(chan ports.InboundPacket)
	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-t.inbound:
				select {
				case out <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (t *Transport) GetPeerIdentifier(
	_ context.Context, peerPubKey, currency string,
) (string, error) {
	peer, ok := t.network.peer(peerPubKey)
	if !ok {
		return "", fmt.Errorf("%w: %s", ports.ErrPeerUnreachable, peerPubKey)
	}

	id, ok := peer.identifiers[currency]
	if !ok || id == "" {
		return "", fmt.Errorf(
			"%w: peer %s has no %s identifier",
			ports.ErrPeerIdentifierNotFound, peerPubKey, currency,
		)
	}
	return id, nil
}

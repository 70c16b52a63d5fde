package ports

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
)

// ErrPeerUnreachable is wrapped by transports when a packet can't be
// delivered because the peer is disconnected.
var ErrPeerUnreachable = errors.New("peer is unreachable")

// ErrPeerIdentifierNotFound is returned when the identifier of a peer for a
// certain currency is unknown.
var ErrPeerIdentifierNotFound = errors.New("peer identifier not found")

// PacketType enumerates the swap packets exchanged with peers.
type PacketType int

const (
	PacketSwapRequest PacketType = iota
	PacketSwapAccepted
	PacketSwapFailed
	PacketSwapComplete
)

func (t PacketType) String() string {
	switch t {
	case PacketSwapRequest:
		return "SwapRequest"
	case PacketSwapAccepted:
		return "SwapAccepted"
	case PacketSwapFailed:
		return "SwapFailed"
	case PacketSwapComplete:
		return "SwapComplete"
	default:
		return "Unknown"
	}
}

// Packet is any swap packet. Every packet refers to a payment hash.
type Packet interface {
	Type() PacketType
	Hash() lntypes.Hash
}

// SwapRequestPacket is sent by the taker to propose a swap for an order.
type SwapRequestPacket struct {
	PaymentHash    lntypes.Hash
	PairId         string
	OrderId        string
	Quantity       uint64
	Price          decimal.Decimal
	IsBuy          bool
	TakerCurrency  string
	TakerAmount    uint64
	MakerCurrency  string
	MakerAmount    uint64
	TakerCltvDelta uint32
}

func (SwapRequestPacket) Type() PacketType     { return PacketSwapRequest }
func (p SwapRequestPacket) Hash() lntypes.Hash { return p.PaymentHash }

// SwapAcceptedPacket is sent by the maker to agree the terms of a swap.
type SwapAcceptedPacket struct {
	PaymentHash    lntypes.Hash
	Quantity       uint64
	Price          decimal.Decimal
	TakerCurrency  string
	TakerAmount    uint64
	MakerCurrency  string
	MakerAmount    uint64
	MakerCltvDelta uint32
}

func (SwapAcceptedPacket) Type() PacketType     { return PacketSwapAccepted }
func (p SwapAcceptedPacket) Hash() lntypes.Hash { return p.PaymentHash }

// SwapFailedPacket notifies the peer that a swap failed.
type SwapFailedPacket struct {
	PaymentHash lntypes.Hash
	// FailureReason is the numeric value of domain.SwapFailureReason.
	FailureReason int
	ErrorMessage  string
}

func (SwapFailedPacket) Type() PacketType     { return PacketSwapFailed }
func (p SwapFailedPacket) Hash() lntypes.Hash { return p.PaymentHash }

// SwapCompletePacket confirms that the sender settled both legs of a swap.
type SwapCompletePacket struct {
	PaymentHash lntypes.Hash
}

func (SwapCompletePacket) Type() PacketType     { return PacketSwapComplete }
func (p SwapCompletePacket) Hash() lntypes.Hash { return p.PaymentHash }

// InboundPacket is a packet together with the identity of its sender.
type InboundPacket struct {
	PeerPubKey string
	Packet     Packet
}

// PeerTransport is the message exchange contract with the P2P layer.
type PeerTransport interface {
	// Send delivers a packet to a peer. Errors wrap ErrPeerUnreachable when
	// the peer is disconnected.
	Send(ctx context.Context, peerPubKey string, packet Packet) error
	// Subscribe returns the stream of inbound swap packets. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan InboundPacket, error)
	// GetPeerIdentifier returns the identifier advertised by the peer for its
	// node on the swap client of the given currency.
	GetPeerIdentifier(
		ctx context.Context, peerPubKey, currency string,
	) (string, error)
}

package swaps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

// HandleSwapRequest handles a swap request of a taker for one of the own
// orders. If the request can be served, the incoming payment is registered
// and the terms are accepted, otherwise the taker is notified of the failure.
func (s *Service) HandleSwapRequest(
	ctx context.Context, peerPubKey string, packet ports.SwapRequestPacket,
) {
	hash := packet.PaymentHash

	deal, err := s.newMakerDeal(ctx, peerPubKey, packet)
	if err == nil {
		err = s.createDeal(ctx, deal)
	}
	if err != nil {
		failure := &domain.SwapFailure{}
		if !errors.As(err, &failure) {
			failure = domain.NewSwapFailure(domain.ReasonUnknownError, "%s", err)
		}
		log.Infof(
			"swaps: rejected swap request %s of peer %s: %s",
			hash, peerPubKey, failure,
		)
		if failure.Reason == domain.ReasonPaymentHashReuse {
			s.reputation.AddEvent(
				ctx, peerPubKey, domain.ReputationSwapMisbehavior,
			)
		}
		s.sendFailure(ctx, peerPubKey, hash, failure.Reason, failure.Message)
		return
	}
	s.armTimer(hash, deal.Expiration)

	if _, err := s.deals.Transition(ctx, hash, domain.SwapRequested); err != nil {
		s.failDeal(ctx, hash, domain.ReasonUnknownError, err.Error(), true)
		return
	}

	client, err := s.clients.Get(deal.MakerCurrency)
	if err == nil {
		err = client.AddInvoice(ctx, hash, deal.MakerAmount, deal.MakerCltvDelta)
	}
	if err != nil {
		s.failDeal(
			ctx, hash, domain.ReasonUnexpectedClientError,
			fmt.Sprintf("failed to add invoice: %s", err), true,
		)
		return
	}

	deal, _, err = s.deals.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if err := d.Transition(domain.SwapAccepted); err != nil {
			return false, err
		}
		d.Expiration = time.Now().Add(s.cfg.PaymentTimeout)
		return true, nil
	})
	if err != nil {
		log.WithError(err).Debugf("swaps: deal %s not accepted", hash)
		return
	}
	s.armTimer(hash, deal.Expiration)

	accepted := ports.SwapAcceptedPacket{
		PaymentHash:    hash,
		Quantity:       deal.Quantity,
		Price:          deal.Price,
		TakerCurrency:  deal.TakerCurrency,
		TakerAmount:    deal.TakerAmount,
		MakerCurrency:  deal.MakerCurrency,
		MakerAmount:    deal.MakerAmount,
		MakerCltvDelta: deal.MakerCltvDelta,
	}
	if err := s.transport.Send(ctx, peerPubKey, accepted); err != nil {
		s.failDeal(
			ctx, hash, domain.ReasonUnexpectedClientError,
			fmt.Sprintf("failed to send swap accepted: %s", err), false,
		)
		return
	}

	log.Debugf(
		"swaps: accepted swap %s of peer %s for order %s",
		hash, peerPubKey, deal.OrderId,
	)
}

// newMakerDeal validates a swap request against the own order and the
// state of the swap clients and returns the deal to be created.
func (s *Service) newMakerDeal(
	ctx context.Context, peerPubKey string, packet ports.SwapRequestPacket,
) (*domain.SwapDeal, error) {
	amounts, err := domain.CalculateSwapAmounts(
		packet.PairId, packet.Quantity, packet.Price, packet.IsBuy,
	)
	if err != nil {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest, "invalid swap terms: %s", err,
		)
	}

	deal := domain.NewSwapDeal(domain.SwapRoleMaker, packet.PaymentHash)
	deal.PairId = packet.PairId
	deal.OrderId = packet.OrderId
	deal.LocalOrderId = packet.OrderId
	deal.Quantity = packet.Quantity
	deal.Price = packet.Price
	deal.IsBuy = packet.IsBuy
	deal.PeerPubKey = peerPubKey
	deal.TakerCurrency = packet.TakerCurrency
	deal.TakerAmount = packet.TakerAmount
	deal.TakerCltvDelta = packet.TakerCltvDelta
	deal.MakerCurrency = packet.MakerCurrency
	deal.MakerAmount = packet.MakerAmount
	deal.MakerCltvDelta = s.cfg.cltvDelta(packet.MakerCurrency)
	deal.Expiration = time.Now().Add(s.cfg.DealTimeout)

	if !amounts.Matches(deal) {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest,
			"swap amounts don't match quantity and price",
		)
	}
	if deal.TakerCltvDelta == 0 {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest, "missing taker cltv delta",
		)
	}

	order, err := s.orderBook.GetOwnOrder(ctx, packet.OrderId)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return nil, domain.NewSwapFailure(
				domain.ReasonOrderNotFound, "order %s not found", packet.OrderId,
			)
		}
		return nil, domain.NewSwapFailure(
			domain.ReasonUnknownError,
			"failed to get order %s: %s", packet.OrderId, err,
		)
	}
	if order.PairId != packet.PairId {
		return nil, domain.NewSwapFailure(
			domain.ReasonOrderNotFound,
			"order %s not found for pair %s", packet.OrderId, packet.PairId,
		)
	}
	if order.IsBuy == packet.IsBuy {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest,
			"order %s is on the same side of the request", packet.OrderId,
		)
	}
	if !order.Price.Equal(packet.Price) {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest,
			"order %s price is %s, got %s",
			packet.OrderId, order.Price, packet.Price,
		)
	}

	if s.reputation.IsBanned(ctx, peerPubKey) {
		return nil, domain.NewSwapFailure(
			domain.ReasonSwapClientNotSetup, "peer %s is banned", peerPubKey,
		)
	}

	// The maker pays the taker currency and receives the maker one.
	if err := s.checkClients(
		deal.TakerCurrency, deal.MakerCurrency,
	); err != nil {
		return nil, err
	}

	takerPubKey, err := s.transport.GetPeerIdentifier(
		ctx, peerPubKey, deal.TakerCurrency,
	)
	if err != nil {
		return nil, domain.NewSwapFailure(
			domain.ReasonSwapClientNotSetup,
			"unknown %s identifier of peer %s: %s",
			deal.TakerCurrency, peerPubKey, err,
		)
	}
	deal.TakerPubKey = takerPubKey

	if err := s.checkRoute(
		ctx, deal.TakerCurrency, takerPubKey, deal.TakerAmount,
	); err != nil {
		return nil, err
	}

	return deal, nil
}

// onOutgoingSettled handles the success of the outgoing payment of a deal.
// A maker claims the incoming payment with the revealed preimage, a taker
// completes the deal once the incoming payment is settled too. A deal that
// already failed only records the payment and releases its hold.
func (s *Service) onOutgoingSettled(
	ctx context.Context, hash lntypes.Hash, preimage *lntypes.Preimage,
) {
	deal, err := s.deals.Get(ctx, hash)
	if err != nil {
		log.WithError(err).Warnf("swaps: failed to get deal %s", hash)
		return
	}

	if deal.IsActive() {
		if deal.Role == domain.SwapRoleMaker {
			if preimage == nil || !preimage.Matches(hash) {
				log.Errorf(
					"swaps: missing preimage of settled outgoing payment of deal %s",
					hash,
				)
				return
			}
			err = s.settleIncoming(ctx, hash, *preimage, true)
		} else {
			err = s.markOutgoingSettled(ctx, hash, preimage)
		}
		if !errors.Is(err, domain.ErrDealNotActive) {
			if err != nil {
				log.WithError(err).Warnf(
					"swaps: failed to record settled payment of deal %s", hash,
				)
			}
			return
		}

		// The deal failed in the meantime.
		if deal, err = s.deals.Get(ctx, hash); err != nil {
			log.WithError(err).Warnf("swaps: failed to get deal %s", hash)
			return
		}
	}

	if !deal.IsFailed() || deal.OutgoingSettled {
		return
	}
	log.Warnf(
		"swaps: outgoing payment of failed deal %s was claimed by the peer", hash,
	)
	s.recordOutgoingSettled(ctx, *deal, preimage)
	s.releaseHold(ctx, deal.HoldId)
}

// settleIncoming releases the preimage to the receiving swap client to
// claim the incoming payment of the deal, and completes the deal if the
// outgoing payment is settled too. The deal is marked as PaymentReceived
// before the preimage leaves the node.
func (s *Service) settleIncoming(
	ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
	outgoingSettled bool,
) error {
	deal, _, err := s.deals.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if !d.IsActive() {
			return false, domain.ErrDealNotActive
		}
		if d.Phase == domain.SendingPayment {
			if err := d.Transition(domain.PaymentReceived); err != nil {
				return false, err
			}
		}
		if d.Phase != domain.PaymentReceived {
			return false, domain.ErrInvalidPhaseTransition
		}
		d.PreimageReleased = true
		if d.Preimage == nil {
			d.Preimage = &preimage
		}
		if outgoingSettled {
			d.OutgoingSettled = true
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	if !deal.IncomingSettled {
		client, err := s.clients.Get(deal.ReceivingCurrency())
		if err == nil {
			err = client.SettleInvoice(ctx, hash, preimage)
		}
		if err != nil {
			// The deal stays in PaymentReceived until the next reconciliation.
			log.WithError(err).Errorf(
				"swaps: failed to settle incoming payment of deal %s", hash,
			)
			return nil
		}

		if _, _, err := s.deals.Update(
			ctx, hash, func(d *domain.SwapDeal) (bool, error) {
				if d.Id != deal.Id || d.IncomingSettled {
					return false, nil
				}
				d.IncomingSettled = true
				return true, nil
			},
		); err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to record settled incoming payment of deal %s", hash,
			)
			return nil
		}
	}

	s.tryComplete(ctx, hash)
	return nil
}

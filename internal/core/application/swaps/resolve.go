package swaps

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

// handleResolveRequest decides what to do with an incoming payment locked to
// a swap hash. The taker releases the preimage as soon as the maker paid,
// while the maker starts paying the taker once the taker paid.
func (s *Service) handleResolveRequest(
	ctx context.Context, client ports.SwapClient, req ports.ResolveRequest,
) {
	hash := req.Hash

	deal, err := s.deals.Get(ctx, hash)
	if err != nil {
		log.WithError(err).Warnf(
			"swaps: rejecting %s payment for unknown hash %s",
			client.Currency(), hash,
		)
		s.rejectPayment(ctx, client, hash)
		return
	}

	if deal.IsCompleted() {
		s.resolveCompleted(ctx, client, *deal)
		return
	}
	if deal.IsFailed() {
		if !deal.PreimageReleased {
			s.rejectPayment(ctx, client, hash)
		}
		return
	}

	if req.Currency != deal.ReceivingCurrency() ||
		client.Currency() != deal.ReceivingCurrency() {
		s.failDeal(
			ctx, hash, domain.ReasonInvalidResolveRequest,
			fmt.Sprintf(
				"expected payment in %s, got %s",
				deal.ReceivingCurrency(), req.Currency,
			), true,
		)
		return
	}
	if req.Amount != deal.ReceivingAmount() {
		s.failDeal(
			ctx, hash, domain.ReasonInvalidResolveRequest,
			fmt.Sprintf(
				"expected payment of %d %s, got %d",
				deal.ReceivingAmount(), deal.ReceivingCurrency(), req.Amount,
			), true,
		)
		return
	}

	if deal.Role == domain.SwapRoleTaker {
		s.resolveAsTaker(ctx, *deal)
		return
	}
	s.resolveAsMaker(ctx, *deal)
}

// resolveCompleted answers a repeated resolve request of a completed deal
// with the known preimage, or rejects it if the preimage can't settle it.
func (s *Service) resolveCompleted(
	ctx context.Context, client ports.SwapClient, deal domain.SwapDeal,
) {
	hash := deal.PaymentHash
	if deal.Preimage == nil || client.Currency() != deal.ReceivingCurrency() {
		log.Debugf("swaps: rejecting resolve request for completed deal %s", hash)
		s.rejectPayment(ctx, client, hash)
		return
	}
	if err := client.SettleInvoice(ctx, hash, *deal.Preimage); err != nil {
		log.WithError(err).Debugf(
			"swaps: failed to settle resolve request for completed deal %s", hash,
		)
	}
}

func (s *Service) resolveAsTaker(ctx context.Context, deal domain.SwapDeal) {
	hash := deal.PaymentHash

	switch {
	case deal.Phase == domain.SendingPayment,
		deal.Phase == domain.PaymentReceived && !deal.IncomingSettled:
		if deal.Preimage == nil {
			s.failDeal(
				ctx, hash, domain.ReasonUnknownError,
				"missing preimage of taker deal", true,
			)
			return
		}
		if err := s.settleIncoming(ctx, hash, *deal.Preimage, false); err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to release preimage of deal %s", hash,
			)
		}
	case deal.Phase == domain.PaymentReceived:
		log.Debugf("swaps: ignored duplicated resolve request for deal %s", hash)
	default:
		s.failDeal(
			ctx, hash, domain.ReasonInvalidResolveRequest,
			fmt.Sprintf("payment received in phase %s", deal.Phase), true,
		)
	}
}

func (s *Service) resolveAsMaker(ctx context.Context, deal domain.SwapDeal) {
	hash := deal.PaymentHash

	switch {
	case deal.Phase == domain.SwapAccepted:
		d, err := s.startExecution(ctx, hash, domain.SwapAccepted)
		if err != nil {
			log.WithError(err).Debugf("swaps: deal %s not executed", hash)
			return
		}
		s.goPay(*d)
	case deal.IsExecuting():
		log.Debugf("swaps: ignored duplicated resolve request for deal %s", hash)
	default:
		s.failDeal(
			ctx, hash, domain.ReasonInvalidResolveRequest,
			fmt.Sprintf("payment received in phase %s", deal.Phase), true,
		)
	}
}

func (s *Service) rejectPayment(
	ctx context.Context, client ports.SwapClient, hash lntypes.Hash,
) {
	if err := client.RemoveInvoice(ctx, hash); err != nil {
		log.WithError(err).Debugf(
			"swaps: failed to reject %s payment for hash %s",
			client.Currency(), hash,
		)
	}
}

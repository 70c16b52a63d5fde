package swaps

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

// failDeal moves the deal for hash to Error state. The terminal side effects
// happen only for the call that actually changed the deal. A deal that had
// already failed with its outgoing payment pending is reconciled again, since
// the caller may bring news about that payment.
func (s *Service) failDeal(
	ctx context.Context, hash lntypes.Hash,
	reason domain.SwapFailureReason, msg string, notifyPeer bool,
) {
	deal, changed, err := s.deals.Fail(ctx, hash, reason, msg)
	if err != nil {
		log.WithError(err).Warnf("swaps: failed to fail deal %s", hash)
		return
	}
	if !changed {
		if deal.IsFailed() && deal.HasPendingOutgoingPayment() {
			s.reconcilePendingPayment(ctx, *deal)
		}
		return
	}
	s.onDealFailed(ctx, *deal, notifyPeer)
}

func (s *Service) onDealFailed(
	ctx context.Context, deal domain.SwapDeal, notifyPeer bool,
) {
	reason, _ := deal.Reason()
	log.Infof(
		"swaps: %s deal %s failed in phase %s with reason %s: %s",
		deal.Role, deal.PaymentHash, deal.Phase, reason, deal.ErrorMessage,
	)

	s.stopTimer(deal.PaymentHash)
	s.metrics.dealFailed(deal)
	s.reputation.AddEvent(ctx, deal.PeerPubKey, reason.ReputationEvent())

	if notifyPeer {
		s.sendFailure(ctx, deal.PeerPubKey, deal.PaymentHash, reason, deal.ErrorMessage)
	}

	if deal.HasPendingOutgoingPayment() && reason.IsPaymentUncertain() {
		s.reconcilePendingPayment(ctx, deal)
		return
	}

	s.removeInvoice(ctx, deal)
	s.releaseHold(ctx, deal.HoldId)
}

// tryComplete completes the deal for hash if both its legs are settled.
func (s *Service) tryComplete(ctx context.Context, hash lntypes.Hash) {
	deal, changed, err := s.deals.Update(
		ctx, hash, func(d *domain.SwapDeal) (bool, error) {
			if !d.IsActive() || d.Phase != domain.PaymentReceived ||
				!d.BothLegsSettled() {
				return false, nil
			}
			if err := d.Complete(); err != nil {
				return false, err
			}
			return true, nil
		},
	)
	if err != nil {
		log.WithError(err).Warnf("swaps: failed to complete deal %s", hash)
		return
	}
	if !changed {
		return
	}
	s.onDealCompleted(ctx, *deal)
}

func (s *Service) onDealCompleted(ctx context.Context, deal domain.SwapDeal) {
	log.Infof(
		"swaps: %s deal %s completed, sent %d %s and received %d %s",
		deal.Role, deal.PaymentHash, deal.SendingAmount(),
		deal.SendingCurrency(), deal.ReceivingAmount(), deal.ReceivingCurrency(),
	)

	s.stopTimer(deal.PaymentHash)
	s.metrics.dealCompleted(deal)
	s.reputation.AddEvent(ctx, deal.PeerPubKey, domain.ReputationSwapSuccess)
	s.releaseHold(ctx, deal.HoldId)

	if deal.Role == domain.SwapRoleMaker {
		packet := ports.SwapCompletePacket{PaymentHash: deal.PaymentHash}
		if err := s.transport.Send(ctx, deal.PeerPubKey, packet); err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to notify peer %s of completed deal %s",
				deal.PeerPubKey, deal.PaymentHash,
			)
		}
	}
}

// reconcilePendingPayment looks up the outgoing payment of a failed deal.
// The hold is released only once the payment outcome is known, otherwise it
// is kept until the next reconciliation at startup.
func (s *Service) reconcilePendingPayment(
	ctx context.Context, deal domain.SwapDeal,
) {
	hash := deal.PaymentHash
	status, err := s.clients.LookupPayment(ctx, deal.SendingCurrency(), hash)
	if err != nil {
		log.WithError(err).Warnf(
			"swaps: failed to look up outgoing payment of failed deal %s, "+
				"hold %s kept until reconciliation", hash, deal.HoldId,
		)
		return
	}

	switch status.State {
	case ports.PaymentStateSucceeded:
		log.Warnf(
			"swaps: outgoing payment of failed deal %s was claimed by the peer",
			hash,
		)
		s.recordOutgoingSettled(ctx, deal, status.Preimage)
		s.releaseHold(ctx, deal.HoldId)
	case ports.PaymentStateFailed:
		s.removeInvoice(ctx, deal)
		s.releaseHold(ctx, deal.HoldId)
	default:
		log.Warnf(
			"swaps: outgoing payment of failed deal %s is %s, "+
				"hold %s kept until reconciliation",
			hash, status.State, deal.HoldId,
		)
	}
}

// recordOutgoingSettled records on a failed deal that its outgoing payment
// was claimed. A maker uses the revealed preimage to claim the incoming
// payment too.
func (s *Service) recordOutgoingSettled(
	ctx context.Context, deal domain.SwapDeal, preimage *lntypes.Preimage,
) {
	incomingSettled := false
	if deal.Role == domain.SwapRoleMaker && !deal.IncomingSettled &&
		preimage != nil && preimage.Matches(deal.PaymentHash) {
		client, err := s.clients.Get(deal.ReceivingCurrency())
		if err == nil {
			err = client.SettleInvoice(ctx, deal.PaymentHash, *preimage)
		}
		if err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to settle incoming payment of deal %s",
				deal.PaymentHash,
			)
		} else {
			incomingSettled = true
		}
	}

	if _, _, err := s.deals.Update(
		ctx, deal.PaymentHash, func(d *domain.SwapDeal) (bool, error) {
			if d.Id != deal.Id {
				return false, nil
			}
			d.OutgoingSettled = true
			if preimage != nil && d.Preimage == nil {
				d.Preimage = preimage
			}
			if incomingSettled {
				d.IncomingSettled = true
				d.PreimageReleased = true
			}
			return true, nil
		},
	); err != nil {
		log.WithError(err).Warnf(
			"swaps: failed to record settled payment of deal %s",
			deal.PaymentHash,
		)
	}
}

func (s *Service) releaseHold(ctx context.Context, holdId string) {
	if holdId == "" {
		return
	}
	if err := s.holds.Release(ctx, holdId); err != nil {
		log.WithError(err).Warnf("swaps: failed to release hold %s", holdId)
	}
}

// removeInvoice cancels the incoming payment expected by a deal, if any.
func (s *Service) removeInvoice(ctx context.Context, deal domain.SwapDeal) {
	if deal.IncomingSettled || deal.PreimageReleased {
		return
	}
	invoiceAdded := deal.Phase >= domain.SwapAccepted ||
		(deal.Role == domain.SwapRoleMaker && deal.Phase >= domain.SwapRequested)
	if !invoiceAdded {
		return
	}

	client, err := s.clients.Get(deal.ReceivingCurrency())
	if err != nil {
		return
	}
	if err := client.RemoveInvoice(ctx, deal.PaymentHash); err != nil {
		log.WithError(err).Debugf(
			"swaps: failed to remove invoice of deal %s", deal.PaymentHash,
		)
	}
}

func (s *Service) sendFailure(
	ctx context.Context, peerPubKey string, hash lntypes.Hash,
	reason domain.SwapFailureReason, msg string,
) {
	packet := ports.SwapFailedPacket{
		PaymentHash:   hash,
		FailureReason: int(reason),
		ErrorMessage:  msg,
	}
	if err := s.transport.Send(ctx, peerPubKey, packet); err != nil {
		log.WithError(err).Warnf(
			"swaps: failed to notify peer %s of failed deal %s", peerPubKey, hash,
		)
	}
}

func (s *Service) armTimer(hash lntypes.Hash, expiration time.Time) {
	s.timersLock.Lock()
	defer s.timersLock.Unlock()

	if t, ok := s.timers[hash]; ok {
		t.Stop()
	}
	s.timers[hash] = time.AfterFunc(time.Until(expiration), func() {
		s.onDealTimeout(hash)
	})
}

func (s *Service) stopTimer(hash lntypes.Hash) {
	s.timersLock.Lock()
	defer s.timersLock.Unlock()

	if t, ok := s.timers[hash]; ok {
		t.Stop()
		delete(s.timers, hash)
	}
}

func (s *Service) stopAllTimers() {
	s.timersLock.Lock()
	defer s.timersLock.Unlock()

	for hash, t := range s.timers {
		t.Stop()
		delete(s.timers, hash)
	}
}

// onDealTimeout fails the deal if it is still active past its deadline. The
// check happens under the deal lock so that a late peer reply and the timer
// never both resolve the deal.
func (s *Service) onDealTimeout(hash lntypes.Hash) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}

	deal, changed, err := s.deals.Update(
		ctx, hash, func(d *domain.SwapDeal) (bool, error) {
			if !d.IsActive() || !d.IsExpired() {
				return false, nil
			}
			// The outgoing payment of a deal that received its incoming one
			// is bounded by its own deadline.
			if d.Phase == domain.PaymentReceived {
				return false, nil
			}
			reason := domain.ReasonDealTimedOut
			if d.IsExecuting() {
				reason = domain.ReasonSwapTimedOut
			}
			return d.Fail(reason, "deal deadline expired")
		},
	)
	if err != nil {
		log.WithError(err).Warnf("swaps: failed to time out deal %s", hash)
		return
	}
	if !changed {
		return
	}
	s.onDealFailed(ctx, *deal, true)
}

func (s *Service) addWaiter(hash lntypes.Hash) chan domain.SwapDeal {
	s.waitersLock.Lock()
	defer s.waitersLock.Unlock()

	ch := make(chan domain.SwapDeal, 1)
	s.waiters[hash] = append(s.waiters[hash], ch)
	return ch
}

func (s *Service) removeWaiter(hash lntypes.Hash, ch chan domain.SwapDeal) {
	s.waitersLock.Lock()
	defer s.waitersLock.Unlock()

	waiters := s.waiters[hash]
	for i, w := range waiters {
		if w == ch {
			s.waiters[hash] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.waiters[hash]) <= 0 {
		delete(s.waiters, hash)
	}
}

func (s *Service) notifyWaiters(deal domain.SwapDeal) {
	if deal.IsActive() {
		return
	}

	s.waitersLock.Lock()
	waiters := s.waiters[deal.PaymentHash]
	delete(s.waiters, deal.PaymentHash)
	s.waitersLock.Unlock()

	for _, ch := range waiters {
		ch <- deal
	}
}

package reputation

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/pkg/keylock"
)

const (
	DefaultBanThreshold = 50
	DefaultWindow       = 24 * time.Hour
	DefaultMaxEvents    = 100
)

// Service is the reputation ledger of the known peers. Events are always
// accepted, and the ban status is derived from them on every query.
type Service struct {
	repo      domain.ReputationRepository
	locker    *keylock.Locker
	policy    domain.BanPolicy
	maxEvents int
	now       func() time.Time
}

func NewService(
	repo domain.ReputationRepository, policy domain.BanPolicy, maxEvents int,
) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing reputation repository")
	}
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultBanThreshold
	}
	if policy.Window <= 0 {
		policy.Window = DefaultWindow
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Service{repo, keylock.New(), policy, maxEvents, time.Now}, nil
}

// AddEvent records an event for the given peer. Storage failures are logged
// and never returned to the caller.
func (s *Service) AddEvent(
	ctx context.Context, peerPubKey string, event domain.ReputationEvent,
) {
	unlock := s.locker.Lock(peerPubKey)
	defer unlock()

	now := s.now()
	if err := s.repo.UpdateRecord(
		ctx, peerPubKey,
		func(r *domain.ReputationRecord) (*domain.ReputationRecord, error) {
			r.AddEvent(event, now, s.maxEvents)
			return r, nil
		},
	); err != nil {
		log.WithError(err).Warnf(
			"reputation: failed to add event %s for peer %s", event, peerPubKey,
		)
		return
	}
	log.Debugf("reputation: added event %s for peer %s", event, peerPubKey)
}

// IsBanned returns whether the peer is currently banned.
func (s *Service) IsBanned(ctx context.Context, peerPubKey string) bool {
	record, err := s.repo.GetRecord(ctx, peerPubKey)
	if err != nil {
		log.WithError(err).Warnf(
			"reputation: failed to get record for peer %s", peerPubKey,
		)
		return false
	}
	return record.IsBanned(s.now(), s.policy)
}

// Ban manually bans a peer until a later Unban.
func (s *Service) Ban(ctx context.Context, peerPubKey string) {
	s.AddEvent(ctx, peerPubKey, domain.ReputationManualBan)
}

// Unban reverses a previous manual ban.
func (s *Service) Unban(ctx context.Context, peerPubKey string) {
	s.AddEvent(ctx, peerPubKey, domain.ReputationManualUnban)
}

// GetRecord returns the recorded events of a peer.
func (s *Service) GetRecord(
	ctx context.Context, peerPubKey string,
) (*domain.ReputationRecord, error) {
	return s.repo.GetRecord(ctx, peerPubKey)
}

// Score returns the current score of a peer.
func (s *Service) Score(ctx context.Context, peerPubKey string) (int64, error) {
	record, err := s.repo.GetRecord(ctx, peerPubKey)
	if err != nil {
		return 0, err
	}
	return record.Score(), nil
}

// ListBannedPeers returns the pubkeys of all the currently banned peers.
func (s *Service) ListBannedPeers(ctx context.Context) ([]string, error) {
	records, err := s.repo.GetAllRecords(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	banned := make([]string, 0)
	for i := range records {
		if records[i].IsBanned(now, s.policy) {
			banned = append(banned, records[i].PeerPubKey)
		}
	}
	return banned, nil
}

package ports

import "github.com/tdex-network/swapd/internal/core/domain"

// RepoManager interface defines the methods for deals, holds and reputation
// records.
type RepoManager interface {
	DealRepository() domain.DealRepository
	HoldRepository() domain.HoldRepository
	ReputationRepository() domain.ReputationRepository
	Close()
}

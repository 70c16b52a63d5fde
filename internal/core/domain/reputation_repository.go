package domain

import "context"

// ReputationRepository is the abstraction for any kind of database intended
// to persist the reputation records of peers.
type ReputationRepository interface {
	// GetRecord returns the record of a peer, or an empty one if the peer has
	// no recorded events.
	GetRecord(ctx context.Context, peerPubKey string) (*ReputationRecord, error)
	GetAllRecords(ctx context.Context) ([]ReputationRecord, error)
	// UpdateRecord creates the record if it doesn't exist yet.
	UpdateRecord(
		ctx context.Context, peerPubKey string,
		updateFn func(r *ReputationRecord) (*ReputationRecord, error),
	) error
}

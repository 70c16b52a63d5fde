package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/swapd/internal/core/domain"
)

func TestReputationRepositoryImplementations(t *testing.T) {
	repoManagers := createRepoManagers(t)

	for i := range repoManagers {
		repoManager := repoManagers[i]

		t.Run(repoManager.Name, func(t *testing.T) {
			t.Parallel()
			testUpdateRecord(t, repoManager.ReputationRepository())
		})
	}
}

func testUpdateRecord(t *testing.T, repo domain.ReputationRepository) {
	ctx := context.Background()
	peer := randomHex(33)

	record, err := repo.GetRecord(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, peer, record.PeerPubKey)
	require.Empty(t, record.Events)

	now := time.Now()
	events := []domain.ReputationEvent{
		domain.ReputationManualBan,
		domain.ReputationSwapFailure,
		domain.ReputationSwapSuccess,
	}
	for _, e := range events {
		err := repo.UpdateRecord(
			ctx, peer,
			func(r *domain.ReputationRecord) (*domain.ReputationRecord, error) {
				r.AddEvent(e, now, 100)
				return r, nil
			},
		)
		require.NoError(t, err)
	}

	record, err = repo.GetRecord(ctx, peer)
	require.NoError(t, err)
	require.Len(t, record.Events, len(events))
	for i, e := range events {
		require.Equal(t, e, record.Events[i].Event)
	}
	require.True(t, record.IsManuallyBanned())
	require.Equal(t, int64(-9), record.Score())

	records, err := repo.GetAllRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

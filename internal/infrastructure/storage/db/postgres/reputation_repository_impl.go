package postgresdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tdex-network/swapd/internal/core/domain"
)

const (
	selectRecordQuery  = `SELECT data FROM reputation_record WHERE peer_pubkey = $1`
	selectRecordsQuery = `SELECT data FROM reputation_record ORDER BY peer_pubkey ASC`
	upsertRecordQuery  = `
		INSERT INTO reputation_record (peer_pubkey, data) VALUES ($1, $2)
		ON CONFLICT (peer_pubkey) DO UPDATE SET data = EXCLUDED.data
	`
)

type reputationRepositoryImpl struct {
	db     querier
	execTx execTxFunc
}

// NewReputationRepositoryImpl returns a new postgres ReputationRepository
// implementation.
func NewReputationRepositoryImpl(
	db querier, execTx execTxFunc,
) domain.ReputationRepository {
	return &reputationRepositoryImpl{db, execTx}
}

func (r *reputationRepositoryImpl) GetRecord(
	ctx context.Context, peerPubKey string,
) (*domain.ReputationRecord, error) {
	return getRecord(ctx, r.db, selectRecordQuery, peerPubKey)
}

func (r *reputationRepositoryImpl) GetAllRecords(
	ctx context.Context,
) ([]domain.ReputationRecord, error) {
	rows, err := r.db.Query(ctx, selectRecordsQuery)
	if err != nil {
		return nil, fmt.Errorf("select reputation records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ReputationRecord, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record domain.ReputationRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *reputationRepositoryImpl) UpdateRecord(
	ctx context.Context, peerPubKey string,
	updateFn func(r *domain.ReputationRecord) (*domain.ReputationRecord, error),
) error {
	return r.execTx(ctx, func(tx pgx.Tx) error {
		record, err := getRecord(
			ctx, tx, selectRecordQuery+` FOR UPDATE`, peerPubKey,
		)
		if err != nil {
			return err
		}

		updatedRecord, err := updateFn(record)
		if err != nil {
			return err
		}

		data, err := json.Marshal(updatedRecord)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upsertRecordQuery, peerPubKey, data)
		return err
	})
}

func getRecord(
	ctx context.Context, db querier, query, peerPubKey string,
) (*domain.ReputationRecord, error) {
	var data []byte
	if err := db.QueryRow(ctx, query, peerPubKey).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewReputationRecord(peerPubKey), nil
		}
		return nil, err
	}

	var record domain.ReputationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

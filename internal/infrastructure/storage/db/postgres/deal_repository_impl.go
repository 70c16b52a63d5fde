package postgresdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/domain"
)

const (
	insertDealQuery = `
		INSERT INTO swap_deal (id, payment_hash, state, created_at, data)
		VALUES ($1, $2, $3, $4, $5)
	`
	selectDealsQuery = `SELECT data FROM swap_deal`
	updateDealQuery  = `
		UPDATE swap_deal SET payment_hash = $2, state = $3, data = $4
		WHERE id = $1
	`
	orderByCreation = ` ORDER BY created_at ASC, id ASC`
)

// querier is satisfied by both the connection pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type dealRepositoryImpl struct {
	db     querier
	execTx execTxFunc
}

// NewDealRepositoryImpl returns a new postgres DealRepository implementation.
func NewDealRepositoryImpl(db querier, execTx execTxFunc) domain.DealRepository {
	return &dealRepositoryImpl{db, execTx}
}

func (r *dealRepositoryImpl) AddDeal(
	ctx context.Context, deal *domain.SwapDeal,
) error {
	if deal == nil {
		return ErrNullDeal
	}

	data, err := json.Marshal(deal)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(
		ctx, insertDealQuery, deal.Id, deal.PaymentHash.String(),
		int(deal.State), deal.CreatedAt, data,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDealAlreadyExists
		}
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (r *dealRepositoryImpl) GetDeal(
	ctx context.Context, id string,
) (*domain.SwapDeal, error) {
	return getDeal(ctx, r.db, selectDealsQuery+` WHERE id = $1`, id)
}

func (r *dealRepositoryImpl) GetDealsByHash(
	ctx context.Context, hash lntypes.Hash,
) ([]domain.SwapDeal, error) {
	return r.findDeals(
		ctx, selectDealsQuery+` WHERE payment_hash = $1`+orderByCreation,
		hash.String(),
	)
}

func (r *dealRepositoryImpl) GetActiveDeals(
	ctx context.Context,
) ([]domain.SwapDeal, error) {
	return r.findDeals(
		ctx, selectDealsQuery+` WHERE state = $1`+orderByCreation,
		int(domain.SwapStateActive),
	)
}

func (r *dealRepositoryImpl) GetAllDeals(
	ctx context.Context,
) ([]domain.SwapDeal, error) {
	return r.findDeals(ctx, selectDealsQuery+orderByCreation)
}

func (r *dealRepositoryImpl) UpdateDeal(
	ctx context.Context, id string,
	updateFn func(d *domain.SwapDeal) (*domain.SwapDeal, error),
) error {
	return r.execTx(ctx, func(tx pgx.Tx) error {
		current, err := getDeal(
			ctx, tx, selectDealsQuery+` WHERE id = $1 FOR UPDATE`, id,
		)
		if err != nil {
			return err
		}

		updatedDeal, err := updateFn(current)
		if err != nil {
			return err
		}

		data, err := json.Marshal(updatedDeal)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			ctx, updateDealQuery, id, updatedDeal.PaymentHash.String(),
			int(updatedDeal.State), data,
		)
		return err
	})
}

func (r *dealRepositoryImpl) findDeals(
	ctx context.Context, query string, args ...any,
) ([]domain.SwapDeal, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select deals: %w", err)
	}
	defer rows.Close()

	deals := make([]domain.SwapDeal, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var deal domain.SwapDeal
		if err := json.Unmarshal(data, &deal); err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

func getDeal(
	ctx context.Context, db querier, query, id string,
) (*domain.SwapDeal, error) {
	var data []byte
	if err := db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDealNotFound
		}
		return nil, err
	}

	var deal domain.SwapDeal
	if err := json.Unmarshal(data, &deal); err != nil {
		return nil, err
	}
	return &deal, nil
}

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
	insertHoldQuery = `
		INSERT INTO order_hold (id, order_id, released, created_at, data)
		VALUES ($1, $2, $3, $4, $5)
	`
	selectHoldsQuery = `SELECT data FROM order_hold`
	updateHoldQuery  = `UPDATE order_hold SET released = $2, data = $3 WHERE id = $1`
)

type holdRepositoryImpl struct {
	db     querier
	execTx execTxFunc
}

// NewHoldRepositoryImpl returns a new postgres HoldRepository implementation.
func NewHoldRepositoryImpl(db querier, execTx execTxFunc) domain.HoldRepository {
	return &holdRepositoryImpl{db, execTx}
}

func (r *holdRepositoryImpl) AddHold(
	ctx context.Context, hold *domain.OrderHold,
) error {
	if hold == nil {
		return ErrNullHold
	}

	data, err := json.Marshal(hold)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(
		ctx, insertHoldQuery, hold.Id, hold.OrderId, hold.Released,
		hold.CreatedAt, data,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrHoldAlreadyExists
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func (r *holdRepositoryImpl) GetHold(
	ctx context.Context, id string,
) (*domain.OrderHold, error) {
	return getHold(ctx, r.db, selectHoldsQuery+` WHERE id = $1`, id)
}

func (r *holdRepositoryImpl) GetActiveHoldsForOrder(
	ctx context.Context, orderId string,
) ([]domain.OrderHold, error) {
	return r.findHolds(
		ctx,
		selectHoldsQuery+` WHERE order_id = $1 AND NOT released`+orderByCreation,
		orderId,
	)
}

func (r *holdRepositoryImpl) GetActiveHolds(
	ctx context.Context,
) ([]domain.OrderHold, error) {
	return r.findHolds(
		ctx, selectHoldsQuery+` WHERE NOT released`+orderByCreation,
	)
}

func (r *holdRepositoryImpl) UpdateHold(
	ctx context.Context, id string,
	updateFn func(h *domain.OrderHold) (*domain.OrderHold, error),
) error {
	return r.execTx(ctx, func(tx pgx.Tx) error {
		current, err := getHold(
			ctx, tx, selectHoldsQuery+` WHERE id = $1 FOR UPDATE`, id,
		)
		if err != nil {
			return err
		}

		updatedHold, err := updateFn(current)
		if err != nil {
			return err
		}

		data, err := json.Marshal(updatedHold)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, updateHoldQuery, id, updatedHold.Released, data)
		return err
	})
}

func (r *holdRepositoryImpl) findHolds(
	ctx context.Context, query string, args ...any,
) ([]domain.OrderHold, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select holds: %w", err)
	}
	defer rows.Close()

	holds := make([]domain.OrderHold, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var hold domain.OrderHold
		if err := json.Unmarshal(data, &hold); err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}

func getHold(
	ctx context.Context, db querier, query, id string,
) (*domain.OrderHold, error) {
	var data []byte
	if err := db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, err
	}

	var hold domain.OrderHold
	if err := json.Unmarshal(data, &hold); err != nil {
		return nil, err
	}
	return &hold, nil
}

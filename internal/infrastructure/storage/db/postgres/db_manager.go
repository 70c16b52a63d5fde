package postgresdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

const (
	migrateDriver              = "pgx5"
	insecureDataSourceTemplate = "postgresql://%s:%s@%s:%d/%s?sslmode=disable"

	uniqueViolation = "23505"
)

//go:embed migration/*.sql
var migrations embed.FS

type repoManager struct {
	pgxPool *pgxpool.Pool

	dealRepository       domain.DealRepository
	holdRepository       domain.HoldRepository
	reputationRepository domain.ReputationRepository
}

// NewRepoManager connects to the database and applies the pending schema
// migrations.
func NewRepoManager(dbConfig DbConfig) (ports.RepoManager, error) {
	dataSource := dbConfig.dataSource()

	pgxPool, err := connect(dataSource)
	if err != nil {
		return nil, err
	}

	if err = migrateDb(dataSource); err != nil {
		pgxPool.Close()
		return nil, err
	}

	rm := &repoManager{pgxPool: pgxPool}
	rm.dealRepository = NewDealRepositoryImpl(pgxPool, rm.execTx)
	rm.holdRepository = NewHoldRepositoryImpl(pgxPool, rm.execTx)
	rm.reputationRepository = NewReputationRepositoryImpl(pgxPool, rm.execTx)

	return rm, nil
}

func (r *repoManager) DealRepository() domain.DealRepository {
	return r.dealRepository
}

func (r *repoManager) HoldRepository() domain.HoldRepository {
	return r.holdRepository
}

func (r *repoManager) ReputationRepository() domain.ReputationRepository {
	return r.reputationRepository
}

func (r *repoManager) Close() {
	r.pgxPool.Close()
}

type execTxFunc func(ctx context.Context, txBody func(pgx.Tx) error) error

func (r *repoManager) execTx(
	ctx context.Context,
	txBody func(pgx.Tx) error,
) error {
	conn, err := r.pgxPool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}

	// Rollback is safe to call even if the tx is already closed, so if
	// the tx commits successfully, this is a no-op.
	defer func() {
		err := tx.Rollback(ctx)
		switch {
		// If the tx was already closed (it was successfully executed)
		// we do not need to log that error.
		case errors.Is(err, pgx.ErrTxClosed):
			return

		// If this is an unexpected error, log it.
		case err != nil:
			log.Errorf("unable to rollback db tx: %v", err)
		}
	}()

	if err := txBody(tx); err != nil {
		return err
	}

	// Commit transaction.
	return tx.Commit(ctx)
}

// DbConfig contains the connection details of the database. DataSource, if
// set, takes precedence over the other fields.
type DbConfig struct {
	DataSource string
	DbUser     string
	DbPassword string
	DbHost     string
	DbPort     int
	DbName     string
}

func (c DbConfig) dataSource() string {
	if c.DataSource != "" {
		return c.DataSource
	}
	return fmt.Sprintf(
		insecureDataSourceTemplate,
		c.DbUser,
		c.DbPassword,
		c.DbHost,
		c.DbPort,
		c.DbName,
	)
}

func connect(dataSource string) (*pgxpool.Pool, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dataSource)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func migrateDb(dataSource string) error {
	source, err := iofs.New(migrations, "migration")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance(
		"iofs", source, migrateDataSource(dataSource),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// migrateDataSource switches the scheme of the data source to the one of the
// pgx v5 migrate driver.
func migrateDataSource(dataSource string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dataSource, scheme) {
			return migrateDriver + "://" + strings.TrimPrefix(dataSource, scheme)
		}
	}
	return dataSource
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/config"
	"github.com/tdex-network/swapd/internal/core/application/orderhold"
	"github.com/tdex-network/swapd/internal/core/application/reputation"
	"github.com/tdex-network/swapd/internal/core/application/swapclient"
	"github.com/tdex-network/swapd/internal/core/application/swaps"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	orderbook "github.com/tdex-network/swapd/internal/infrastructure/orderbook/inmemory"
	dbbadger "github.com/tdex-network/swapd/internal/infrastructure/storage/db/badger"
	"github.com/tdex-network/swapd/internal/infrastructure/storage/db/inmemory"
	postgresdb "github.com/tdex-network/swapd/internal/infrastructure/storage/db/postgres"
	"github.com/tdex-network/swapd/internal/infrastructure/swapclient/lnd"
	"github.com/tdex-network/swapd/internal/infrastructure/swapclient/raiden"
	"github.com/tdex-network/swapd/internal/infrastructure/transport/loopback"
	"github.com/tdex-network/swapd/pkg/stats"
)

// daemon holds every component of a running swapd, in dependency order.
type daemon struct {
	repoManager ports.RepoManager
	raidenSvc   *raiden.Service
	clients     *swapclient.Manager
	network     *loopback.Network
	swapSvc     *swaps.Service
	registry    *prometheus.Registry
	started     bool
}

func newDaemon(ctx context.Context) (d *daemon, err error) {
	d = &daemon{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			d.stop()
		}
	}()

	d.repoManager, err = newRepoManager()
	if err != nil {
		return
	}

	identifiers, err := d.initSwapClients()
	if err != nil {
		return
	}

	reputationSvc, err := reputation.NewService(
		d.repoManager.ReputationRepository(),
		domain.BanPolicy{
			Threshold: int64(config.GetInt(config.ReputationBanThresholdKey)),
			Window:    config.GetDuration(config.ReputationWindowKey),
		},
		config.GetInt(config.ReputationMaxEventsKey),
	)
	if err != nil {
		return
	}

	orderBook := orderbook.NewOrderBook()
	holdSvc, err := orderhold.NewService(
		d.repoManager.HoldRepository(), orderBook,
	)
	if err != nil {
		return
	}

	nodePubKey := nodeIdentity(identifiers)
	if nodePubKey == "" {
		err = fmt.Errorf("no swap client could provide the node identity")
		return
	}
	d.network = loopback.NewNetwork()
	transport, err := d.network.Connect(nodePubKey, identifiers)
	if err != nil {
		return
	}

	d.swapSvc, err = swaps.NewService(
		d.repoManager.DealRepository(), holdSvc, reputationSvc, d.clients,
		transport, orderBook, d.registry,
		swaps.Config{
			DealTimeout:    config.GetDuration(config.DealTimeoutKey),
			PaymentTimeout: config.GetDuration(config.PaymentTimeoutKey),
			CltvDeltas:     config.GetCltvDeltas(),
		},
	)
	if err != nil {
		return
	}
	d.swapSvc.AddObserver(logDeal)

	if config.GetBool(config.EnableProfilerKey) {
		interval := time.Duration(config.GetInt(config.StatsIntervalKey)) * time.Second
		stats.EnableMemoryStatistics(
			ctx, interval, d.registry,
			filepath.Join(config.GetDatadir(), config.ProfilerLocation),
		)
	}

	return d, nil
}

func (d *daemon) start(ctx context.Context) error {
	if d.raidenSvc != nil {
		if err := d.raidenSvc.Start(); err != nil {
			return fmt.Errorf("failed to start raiden resolver: %w", err)
		}
	}
	if err := d.swapSvc.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

func (d *daemon) stop() {
	if d.started {
		if err := d.swapSvc.Stop(); err != nil {
			log.WithError(err).Warn("failed to stop swap service")
		}
		d.started = false
	}
	if d.clients != nil {
		d.clients.Close()
	} else if d.raidenSvc != nil {
		d.raidenSvc.Close()
	}
	if d.repoManager != nil {
		d.repoManager.Close()
	}
}

// initSwapClients connects to the configured lnd and raiden nodes and
// returns the identifiers of the local node by currency.
func (d *daemon) initSwapClients() (map[string]string, error) {
	clients := make([]ports.SwapClient, 0)
	identifiers := make(map[string]string)

	for _, cfg := range config.GetLndConfigs() {
		client, err := lnd.NewClient(lnd.Config{
			Currency:     cfg.Currency,
			Host:         cfg.Host,
			Port:         cfg.Port,
			CertPath:     cfg.CertPath,
			MacaroonPath: cfg.MacaroonPath,
			CltvDelta:    cfg.CltvDelta,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("lnd %s: %w", cfg.Currency, err)
		}
		clients = append(clients, client)
		identifiers[cfg.Currency] = client.PubKey()
		log.Infof("lnd client for %s connected to %s:%d", cfg.Currency, cfg.Host, cfg.Port)
	}

	if !config.GetBool(config.RaidenDisableKey) {
		tokens, err := config.GetRaidenTokens()
		if err != nil {
			closeAll(clients)
			return nil, err
		}

		if len(tokens) <= 0 {
			log.Warn("raiden is enabled but no token is configured, skipping")
		} else {
			raidenTokens := make([]raiden.Token, 0, len(tokens))
			for _, t := range tokens {
				raidenTokens = append(raidenTokens, raiden.Token{
					Currency: t.Currency,
					Address:  t.Address,
					Decimals: t.Decimals,
				})
			}
			svc, err := raiden.NewService(raiden.Config{
				Host:                config.GetString(config.RaidenHostKey),
				Port:                config.GetInt(config.RaidenPortKey),
				ResolverPort:        config.GetInt(config.RaidenResolverPortKey),
				Tokens:              raidenTokens,
				DirectChannelChecks: config.GetBool(config.RaidenDirectChannelChecksKey),
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("raiden: %w", err)
			}
			d.raidenSvc = svc
			for _, client := range svc.Clients() {
				clients = append(clients, client)
				identifiers[client.Currency()] = svc.Address()
			}
			log.Infof("raiden node %s connected", svc.Address())
		}
	}

	if len(clients) <= 0 {
		return nil, fmt.Errorf("no swap client configured")
	}

	manager, err := swapclient.NewManager(clients...)
	if err != nil {
		closeAll(clients)
		return nil, err
	}
	d.clients = manager
	return identifiers, nil
}

func newRepoManager() (ports.RepoManager, error) {
	switch dbType := config.GetString(config.DBTypeKey); dbType {
	case config.DBInMemory:
		return inmemory.NewRepoManager(), nil
	case config.DBPostgres:
		return postgresdb.NewRepoManager(postgresdb.DbConfig{
			DataSource: config.GetString(config.PgConnectAddrKey),
		})
	default:
		dbDir := filepath.Join(config.GetDatadir(), config.DbLocation)
		return dbbadger.NewRepoManager(dbDir, log.New())
	}
}

// nodeIdentity picks the identifier of the local node on the wire, that is
// the lnd pubkey of the first lnd currency or the raiden address.
func nodeIdentity(identifiers map[string]string) string {
	for _, cfg := range config.GetLndConfigs() {
		if id := identifiers[cfg.Currency]; id != "" {
			return id
		}
	}
	for _, id := range identifiers {
		if id != "" {
			return id
		}
	}
	return ""
}

func closeAll(clients []ports.SwapClient) {
	for _, c := range clients {
		c.Close()
	}
}

func logDeal(deal domain.SwapDeal) {
	log.WithFields(log.Fields{
		"hash":  deal.PaymentHash.String(),
		"role":  deal.Role,
		"phase": deal.Phase,
		"state": deal.State,
	}).Debug("swap deal updated")
}

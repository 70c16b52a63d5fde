package db_test

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	dbbadger "github.com/tdex-network/swapd/internal/infrastructure/storage/db/badger"
	"github.com/tdex-network/swapd/internal/infrastructure/storage/db/inmemory"
)

type repoManager struct {
	ports.RepoManager
	Name string
}

func createRepoManagers(t *testing.T) []repoManager {
	inmemoryRepoManager := inmemory.NewRepoManager()

	badgerRepoManager, err := dbbadger.NewRepoManager(t.TempDir(), nil)
	require.NoError(t, err)

	badgerInMemRepoManager, err := dbbadger.NewRepoManager("", nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		badgerRepoManager.Close()
		badgerInMemRepoManager.Close()
	})

	return []repoManager{
		{inmemoryRepoManager, "inmemory"},
		{badgerRepoManager, "badger"},
		{badgerInMemRepoManager, "badger_inmemory"},
	}
}

func makeRandomDeal(role domain.SwapRole) *domain.SwapDeal {
	deal := domain.NewSwapDeal(role, randomHash())
	deal.PairId = "LTC/BTC"
	deal.OrderId = randomHex(16)
	deal.Quantity = 1000
	deal.Price = decimal.RequireFromString("0.005")
	deal.PeerPubKey = randomHex(33)
	deal.TakerCurrency = "LTC"
	deal.TakerAmount = 1000
	deal.MakerCurrency = "BTC"
	deal.MakerAmount = 5
	return deal
}

func makeRandomHold(orderId string, quantity uint64) *domain.OrderHold {
	return domain.NewOrderHold(orderId, "LTC/BTC", quantity, randomHash())
}

func randomHash() lntypes.Hash {
	var h lntypes.Hash
	copy(h[:], randomBytes(32))
	return h
}

func randomHex(len int) string {
	return hex.EncodeToString(randomBytes(len))
}

func randomBytes(len int) []byte {
	b := make([]byte, len)
	//nolint
	rand.Read(b)
	return b
}

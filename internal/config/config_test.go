package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		datadir := t.TempDir()
		err := InitConfig(map[string]interface{}{
			DatadirKey:       datadir,
			RaidenDisableKey: true,
		})
		require.NoError(t, err)

		require.Equal(t, DBBadger, GetString(DBTypeKey))
		require.Equal(t, 10*time.Second, GetDuration(DealTimeoutKey))
		require.Equal(t, 90*time.Second, GetDuration(PaymentTimeoutKey))
		require.Equal(t, map[string]uint32{"BTC": 144, "LTC": 576}, GetCltvDeltas())

		_, err = os.Stat(filepath.Join(datadir, DbLocation))
		require.NoError(t, err)
	})

	t.Run("from env", func(t *testing.T) {
		t.Setenv("SWAPD_LND_CURRENCIES", "btc, xsn")
		t.Setenv("SWAPD_LND_XSN_PORT", "10012")
		t.Setenv("SWAPD_LND_BTC_DISABLE", "true")
		t.Setenv("SWAPD_RAIDEN_TOKENS", "WETH:0xabc:18,USDT:0xdef:6")
		t.Setenv("SWAPD_DEAL_TIMEOUT", "5s")

		err := InitConfig(map[string]interface{}{DatadirKey: t.TempDir()})
		require.NoError(t, err)

		lndConfigs := GetLndConfigs()
		require.Len(t, lndConfigs, 1)
		require.Equal(t, "XSN", lndConfigs[0].Currency)
		require.Equal(t, 10012, lndConfigs[0].Port)
		require.Equal(t, uint32(40), lndConfigs[0].CltvDelta)

		tokens, err := GetRaidenTokens()
		require.NoError(t, err)
		require.Equal(t, []RaidenToken{
			{Currency: "WETH", Address: "0xabc", Decimals: 18},
			{Currency: "USDT", Address: "0xdef", Decimals: 6},
		}, tokens)
		require.Equal(t, 5*time.Second, GetDuration(DealTimeoutKey))
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name      string
			overrides map[string]interface{}
		}{
			{
				name:      "unknown db type",
				overrides: map[string]interface{}{DBTypeKey: "sqlite"},
			},
			{
				name:      "postgres without dsn",
				overrides: map[string]interface{}{DBTypeKey: DBPostgres},
			},
			{
				name:      "zero deal timeout",
				overrides: map[string]interface{}{DealTimeoutKey: 0},
			},
			{
				name:      "malformed raiden token",
				overrides: map[string]interface{}{RaidenTokensKey: "WETH:0xabc"},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tt.overrides[DatadirKey] = t.TempDir()
				require.Error(t, InitConfig(tt.overrides))
			})
		}
	})
}

func TestParseRaidenToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected RaidenToken
		wantErr  bool
	}{
		{
			name:     "valid",
			token:    "weth:0xabc:18",
			expected: RaidenToken{Currency: "WETH", Address: "0xabc", Decimals: 18},
		},
		{name: "missing decimals", token: "WETH:0xabc", wantErr: true},
		{name: "decimals out of range", token: "WETH:0xabc:300", wantErr: true},
		{name: "empty address", token: "WETH::18", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := parseRaidenToken(tt.token)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, token)
		})
	}
}

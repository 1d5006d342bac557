package saled

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen: ":9000"
ledger_path: ""
sale:
  owner: owner
  operators: [operator]
  treasury: treasury
  token_service: nft
  price: "17500000000000000000000000"
  private_sale_timestamp: 1700000000
  open_sale_timestamp: 1700086400
  signer_pk: "02abc"
params:
  open_phase_cap: 0
  serialize_buyers: false
  service_cost_per_unit: "5"
balances:
  alice: "100"
mint:
  local:
    max_supply: 50
    delay: 250ms
auth:
  hmac_secret_env: SALED_TEST_SECRET
webhook:
  endpoint: http://hooks.local/sale
  secret_file: %s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SALED_TEST_SECRET", "jwt-secret")
	secretPath := filepath.Join(t.TempDir(), "hook")
	require.NoError(t, os.WriteFile(secretPath, []byte("hook-secret\n"), 0o600))

	cfg, err := LoadConfig(writeConfig(t, fmt.Sprintf(sampleConfig, secretPath)))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddress)
	assert.Equal(t, "sale", cfg.Coordinator)
	assert.Equal(t, "jwt-secret", cfg.Auth.HMACSecret)
	assert.Equal(t, "hook-secret", cfg.Webhook.Secret)
	assert.Equal(t, 250*time.Millisecond, cfg.Mint.Local.Delay.Duration)
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout.Duration)
	assert.Equal(t, "saled", cfg.Telemetry.ServiceName)

	params, err := cfg.SaleParams()
	require.NoError(t, err)
	assert.Zero(t, params.OpenPhaseCap)
	assert.False(t, params.SerializeBuyers)
	assert.Equal(t, "5", params.ServiceCostPerUnit.Dec())
	assert.Equal(t, "1000000000000000000000", params.AccountCreationCost.Dec())

	initial, err := cfg.InitialSale()
	require.NoError(t, err)
	require.NotNil(t, initial.SignerPK)
	assert.Equal(t, "02abc", *initial.SignerPK)
	assert.Equal(t, uint64(1700086400), initial.OpenSaleStart)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing owner":  "sale: {treasury: t, token_service: n}\nauth: {hmac_secret: s}\n",
		"bad price":      "sale: {owner: o, treasury: t, token_service: n, price: \"1.5\"}\nauth: {hmac_secret: s}\n",
		"missing secret": "sale: {owner: o, treasury: t, token_service: n}\n",
		"unknown field":  "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret: s}\nbogus: 1\n",
		"bad driver":     "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret: s}\nreceipts: {driver: mysql}\n",
		"webhook secret": "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret: s}\nwebhook: {endpoint: http://x}\n",
		"bad balance":    "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret: s}\nbalances: {a: x}\n",
		"bad duration":   "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret: s}\nwait_timeout: soon\n",
		"empty env":      "sale: {owner: o, treasury: t, token_service: n}\nauth: {hmac_secret_env: SALED_UNSET_FOR_TEST}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

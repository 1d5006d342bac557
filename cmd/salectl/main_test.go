package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halloffame/crypto"
	"halloffame/native/sale"
	"halloffame/storage/receipts"
)

const testPassEnv = "SALECTL_TEST_PASS"

func invoke(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestKeygenSignVerify(t *testing.T) {
	t.Setenv(testPassEnv, "correct horse")
	dir := t.TempDir()
	keystore := filepath.Join(dir, "signer.keystore")

	code, out, errOut := invoke(t, "keygen", "-keystore", keystore, "-pass-env", testPassEnv)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "address:   hof1")

	code, _, errOut = invoke(t, "keygen", "-keystore", keystore, "-pass-env", testPassEnv)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, pub, errOut := invoke(t, "pubkey", "-keystore", keystore, "-pass-env", testPassEnv)
	require.Equal(t, 0, code, errOut)
	pub = strings.TrimSpace(pub)
	assert.Len(t, pub, 66)
	assert.Contains(t, out, pub)

	batch := filepath.Join(dir, "batch.toml")
	require.NoError(t, os.WriteFile(batch, []byte(`
[[allowance]]
buyer = "alice"
permitted = 3

[[allowance]]
buyer = "bob"
permitted = 1
`), 0o600))

	code, signed, errOut := invoke(t, "sign", "-keystore", keystore, "-pass-env", testPassEnv, "-batch", batch)
	require.Equal(t, 0, code, errOut)
	var decoded allowanceBatch
	_, err := toml.Decode(signed, &decoded)
	require.NoError(t, err)
	require.Len(t, decoded.Allowance, 2)
	for _, entry := range decoded.Allowance {
		ok, err := crypto.VerifyAllowance(pub, entry.Signature, crypto.AllowanceMessage(entry.Buyer, entry.Permitted))
		require.NoError(t, err)
		assert.True(t, ok, entry.Buyer)
	}

	alice := decoded.Allowance[0]
	code, out, errOut = invoke(t, "verify", "-pubkey", pub, "-buyer", "alice", "-permitted", "3", "-signature", alice.Signature)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "valid\n", out)

	code, _, errOut = invoke(t, "verify", "-pubkey", pub, "-buyer", "alice", "-permitted", "4", "-signature", alice.Signature)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "does not match")

	code, out, errOut = invoke(t, "sign", "-keystore", keystore, "-pass-env", testPassEnv, "-buyer", "carol", "-permitted", "2", "-format", "json")
	require.Equal(t, 0, code, errOut)
	var entries []allowanceEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].Buyer)
}

func TestWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	keystore := filepath.Join(dir, "signer.keystore")
	t.Setenv(testPassEnv, "right")
	code, _, errOut := invoke(t, "keygen", "-keystore", keystore, "-pass-env", testPassEnv)
	require.Equal(t, 0, code, errOut)

	t.Setenv(testPassEnv, "wrong")
	code, _, errOut = invoke(t, "pubkey", "-keystore", keystore, "-pass-env", testPassEnv)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "failed to load keystore")
}

func TestUsageErrors(t *testing.T) {
	code, _, _ := invoke(t)
	assert.Equal(t, 2, code)
	code, _, _ = invoke(t, "bogus")
	assert.Equal(t, 2, code)
	code, _, _ = invoke(t, "sign")
	assert.Equal(t, 2, code)
	code, _, _ = invoke(t, "verify", "-buyer", "alice")
	assert.Equal(t, 2, code)
	code, _, _ = invoke(t, "export")
	assert.Equal(t, 2, code)
	code, out, _ := invoke(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "keygen")
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "receipts.db")
	store, err := receipts.Open(receipts.DriverSQLite, dsn)
	require.NoError(t, err)
	for _, s := range []sale.Settlement{
		{
			ID: "s-1", Buyer: "alice", Stage: sale.StageOpen, Requested: 1, Issued: 1,
			Tokens:    []sale.Token{{TokenID: "1", OwnerID: "alice"}},
			UnitPrice: uint256.NewInt(10), Escrowed: uint256.NewInt(86), ServiceCost: uint256.NewInt(1),
			CreationFee: uint256.NewInt(3), Forwarded: uint256.NewInt(10), ServiceFee: uint256.NewInt(1),
			Refunded: uint256.NewInt(86), CreatedAt: 1_000, SettledAt: 1_005,
		},
		{
			ID: "s-2", Buyer: "bob", Stage: sale.StageOpen, Requested: 1,
			UnitPrice: uint256.NewInt(10), Escrowed: uint256.NewInt(86), ServiceCost: uint256.NewInt(1),
			CreationFee: uint256.NewInt(3), Forwarded: uint256.NewInt(0), ServiceFee: uint256.NewInt(0),
			Refunded: uint256.NewInt(97), Failed: true, FailureReason: "sold out", CreatedAt: 2_000, SettledAt: 2_005,
		},
	} {
		require.NoError(t, store.RecordSettlement(context.Background(), s))
	}
	require.NoError(t, store.Close())

	code, out, errOut := invoke(t, "export", "-dsn", dsn, "-format", "csv")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "id,buyer"))

	code, out, errOut = invoke(t, "export", "-dsn", dsn, "-format", "jsonl", "-buyer", "bob")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, `"failure_reason":"sold out"`)

	parquetPath := filepath.Join(dir, "receipts.parquet")
	code, _, errOut = invoke(t, "export", "-dsn", dsn, "-format", "parquet", "-out", parquetPath)
	require.Equal(t, 0, code, errOut)
	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	code, _, errOut = invoke(t, "export", "-dsn", dsn, "-format", "parquet")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "-out")

	code, _, errOut = invoke(t, "export", "-dsn", dsn, "-since", "yesterday")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "-since")
}

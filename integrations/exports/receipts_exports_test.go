package exports

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halloffame/storage/receipts"
)

func sampleReceipts() []receipts.Receipt {
	settled := time.Unix(1_700_000_000, 0).UTC()
	return []receipts.Receipt{
		{
			ID: "a", Buyer: "alice", Stage: "OPEN", Requested: 2, Issued: 2, TokenIDs: "1,2",
			UnitPrice: "10", Escrowed: "95", ServiceCost: "2", CreationFee: "3",
			Forwarded: "20", ServiceFee: "2", Refunded: "75",
			DispatchedAt: settled.Add(-time.Minute), SettledAt: settled,
		},
		{
			ID: "b", Buyer: "bob", Stage: "PRIVATE", Requested: 1,
			Refunded: "50", Failed: true, FailureReason: "sold out",
			DispatchedAt: settled, SettledAt: settled,
		},
	}
}

func TestReceiptsCSV(t *testing.T) {
	data, checksum, err := ReceiptsCSV(sampleReceipts())
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "id,buyer,stage,requested,issued"))
	assert.Contains(t, lines[1], `a,alice,OPEN,2,2,"1,2",10,95,2,3,20,2,75,false`)
	assert.Contains(t, lines[2], "b,bob,PRIVATE,1,0,,0,0,0,0,0,0,50,true,sold out")

	again, sum2, err := ReceiptsCSV(sampleReceipts())
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, checksum, sum2)
}

func TestReceiptsJSONL(t *testing.T) {
	data, checksum, err := ReceiptsJSONL(sampleReceipts())
	require.NoError(t, err)
	require.NotEmpty(t, checksum)
	output := string(data)
	assert.Equal(t, 2, strings.Count(output, "\n"))
	assert.Contains(t, output, `"token_ids":["1","2"]`)
	assert.Contains(t, output, `"token_ids":[]`)
	assert.Contains(t, output, `"failed":true`)
}

func TestWriteReceiptsParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipts.parquet")
	require.NoError(t, WriteReceiptsParquet(path, sampleReceipts()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 8)
	magic := []byte("PAR1")
	assert.True(t, bytes.HasPrefix(raw, magic))
	assert.True(t, bytes.HasSuffix(raw, magic))
}

func TestWriteReceiptsParquetBadPath(t *testing.T) {
	err := WriteReceiptsParquet(filepath.Join(t.TempDir(), "missing", "x.parquet"), nil)
	require.Error(t, err)
}

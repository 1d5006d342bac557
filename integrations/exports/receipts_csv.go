package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"time"

	"halloffame/storage/receipts"
)

var csvHeader = []string{
	"id", "buyer", "stage", "requested", "issued", "token_ids", "unit_price", "escrowed", "service_cost",
	"creation_fee", "forwarded", "service_fee", "refunded", "failed", "failure_reason", "dispatched_at", "settled_at",
}

// ReceiptsCSV builds a CSV export for the supplied receipts and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func ReceiptsCSV(rows []receipts.Receipt) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Buyer,
			row.Stage,
			fmt.Sprintf("%d", row.Requested),
			fmt.Sprintf("%d", row.Issued),
			row.TokenIDs,
			orZero(row.UnitPrice),
			orZero(row.Escrowed),
			orZero(row.ServiceCost),
			orZero(row.CreationFee),
			orZero(row.Forwarded),
			orZero(row.ServiceFee),
			orZero(row.Refunded),
			boolString(row.Failed),
			row.FailureReason,
			row.DispatchedAt.UTC().Format(time.RFC3339),
			row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

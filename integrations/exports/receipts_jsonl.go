package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"halloffame/storage/receipts"
)

// ReceiptsJSONL builds a JSON Lines export for the supplied receipts and
// returns the serialised payload alongside a checksum.
func ReceiptsJSONL(rows []receipts.Receipt) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"id":             row.ID,
			"buyer":          row.Buyer,
			"stage":          row.Stage,
			"requested":      row.Requested,
			"issued":         row.Issued,
			"token_ids":      row.Tokens(),
			"unit_price":     orZero(row.UnitPrice),
			"forwarded":      orZero(row.Forwarded),
			"service_fee":    orZero(row.ServiceFee),
			"creation_fee":   orZero(row.CreationFee),
			"refunded":       orZero(row.Refunded),
			"failed":         row.Failed,
			"failure_reason": row.FailureReason,
			"settled_at":     row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

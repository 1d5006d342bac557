package exports

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"halloffame/storage/receipts"
)

type parquetRow struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer         string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Stage         string `parquet:"name=stage, type=BYTE_ARRAY, convertedtype=UTF8"`
	Requested     int64  `parquet:"name=requested, type=INT64"`
	Issued        int64  `parquet:"name=issued, type=INT64"`
	TokenIDs      string `parquet:"name=token_ids, type=BYTE_ARRAY, convertedtype=UTF8"`
	UnitPrice     string `parquet:"name=unit_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Escrowed      string `parquet:"name=escrowed, type=BYTE_ARRAY, convertedtype=UTF8"`
	ServiceCost   string `parquet:"name=service_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreationFee   string `parquet:"name=creation_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Forwarded     string `parquet:"name=forwarded, type=BYTE_ARRAY, convertedtype=UTF8"`
	ServiceFee    string `parquet:"name=service_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Refunded      string `parquet:"name=refunded, type=BYTE_ARRAY, convertedtype=UTF8"`
	Failed        bool   `parquet:"name=failed, type=BOOLEAN"`
	FailureReason string `parquet:"name=failure_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	DispatchedAt  string `parquet:"name=dispatched_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteReceiptsParquet writes rows to a snappy-compressed Parquet file.
func WriteReceiptsParquet(path string, rows []receipts.Receipt) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:            row.ID,
			Buyer:         row.Buyer,
			Stage:         row.Stage,
			Requested:     int64(row.Requested),
			Issued:        int64(row.Issued),
			TokenIDs:      row.TokenIDs,
			UnitPrice:     orZero(row.UnitPrice),
			Escrowed:      orZero(row.Escrowed),
			ServiceCost:   orZero(row.ServiceCost),
			CreationFee:   orZero(row.CreationFee),
			Forwarded:     orZero(row.Forwarded),
			ServiceFee:    orZero(row.ServiceFee),
			Refunded:      orZero(row.Refunded),
			Failed:        row.Failed,
			FailureReason: row.FailureReason,
			DispatchedAt:  row.DispatchedAt.UTC().Format(time.RFC3339),
			SettledAt:     row.SettledAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}

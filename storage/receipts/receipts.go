package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"halloffame/native/sale"
)

// ErrNotFound is returned when no receipt exists for an id.
var ErrNotFound = errors.New("receipts: not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Receipt is the persisted form of a settled purchase. Amounts are decimal
// strings in base units.
type Receipt struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	Buyer         string    `gorm:"index;not null" json:"buyer"`
	Stage         string    `gorm:"size:16" json:"stage"`
	Requested     uint32    `json:"requested"`
	Issued        uint32    `json:"issued"`
	TokenIDs      string    `json:"token_ids"`
	UnitPrice     string    `json:"unit_price"`
	Escrowed      string    `json:"escrowed"`
	ServiceCost   string    `json:"service_cost"`
	CreationFee   string    `json:"creation_fee"`
	Forwarded     string    `json:"forwarded"`
	ServiceFee    string    `json:"service_fee"`
	Refunded      string    `json:"refunded"`
	Failed        bool      `gorm:"index" json:"failed"`
	FailureReason string    `json:"failure_reason,omitempty"`
	DispatchedAt  time.Time `json:"dispatched_at"`
	SettledAt     time.Time `gorm:"index" json:"settled_at"`
	CreatedAt     time.Time `json:"-"`
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	Buyer string
	Since time.Time
	Until time.Time
	Limit int
}

// Summary aggregates receipts.
type Summary struct {
	Count     int    `json:"count"`
	Failed    int    `json:"failed"`
	Requested uint64 `json:"requested"`
	Issued    uint64 `json:"issued"`
	Forwarded string `json:"forwarded"`
	Refunded  string `json:"refunded"`
}

// Store journals settlements into a SQL database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("receipts: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("receipts: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("receipts: database required")
	}
	if err := db.AutoMigrate(&Receipt{}); err != nil {
		return nil, fmt.Errorf("receipts: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordSettlement implements sale.Journal. Recording the same settlement
// twice keeps the first row.
func (s *Store) RecordSettlement(ctx context.Context, settlement sale.Settlement) error {
	rec := FromSettlement(settlement)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("receipts: record %s: %w", settlement.ID, err)
	}
	return nil
}

// Get returns the receipt for id.
func (s *Store) Get(ctx context.Context, id string) (Receipt, error) {
	var rec Receipt
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts: get %s: %w", id, err)
	}
	return rec, nil
}

// List returns receipts ordered by settlement time.
func (s *Store) List(ctx context.Context, f Filter) ([]Receipt, error) {
	q := s.db.WithContext(ctx).Model(&Receipt{})
	if buyer := strings.TrimSpace(f.Buyer); buyer != "" {
		q = q.Where("buyer = ?", buyer)
	}
	if !f.Since.IsZero() {
		q = q.Where("settled_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("settled_at < ?", f.Until.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Receipt
	if err := q.Order("settled_at asc, id asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("receipts: list: %w", err)
	}
	return out, nil
}

// Summarize aggregates the receipts matching f.
func (s *Store) Summarize(ctx context.Context, f Filter) (Summary, error) {
	rows, err := s.List(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	forwarded := uint256.NewInt(0)
	refunded := uint256.NewInt(0)
	var sum Summary
	for _, r := range rows {
		sum.Count++
		if r.Failed {
			sum.Failed++
		}
		sum.Requested += uint64(r.Requested)
		sum.Issued += uint64(r.Issued)
		if err := addDecimal(forwarded, r.Forwarded); err != nil {
			return Summary{}, fmt.Errorf("receipts: receipt %s: %w", r.ID, err)
		}
		if err := addDecimal(refunded, r.Refunded); err != nil {
			return Summary{}, fmt.Errorf("receipts: receipt %s: %w", r.ID, err)
		}
	}
	sum.Forwarded = forwarded.Dec()
	sum.Refunded = refunded.Dec()
	return sum, nil
}

// FromSettlement converts an engine settlement to its persisted form.
func FromSettlement(s sale.Settlement) Receipt {
	ids := make([]string, len(s.Tokens))
	for i, tok := range s.Tokens {
		ids[i] = tok.TokenID
	}
	return Receipt{
		ID:            s.ID,
		Buyer:         s.Buyer,
		Stage:         s.Stage.String(),
		Requested:     s.Requested,
		Issued:        s.Issued,
		TokenIDs:      strings.Join(ids, ","),
		UnitPrice:     decimal(s.UnitPrice),
		Escrowed:      decimal(s.Escrowed),
		ServiceCost:   decimal(s.ServiceCost),
		CreationFee:   decimal(s.CreationFee),
		Forwarded:     decimal(s.Forwarded),
		ServiceFee:    decimal(s.ServiceFee),
		Refunded:      decimal(s.Refunded),
		Failed:        s.Failed,
		FailureReason: s.FailureReason,
		DispatchedAt:  time.Unix(s.CreatedAt, 0).UTC(),
		SettledAt:     time.Unix(s.SettledAt, 0).UTC(),
	}
}

// Tokens splits the stored token ids.
func (r Receipt) Tokens() []string {
	if r.TokenIDs == "" {
		return []string{}
	}
	return strings.Split(r.TokenIDs, ",")
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func addDecimal(acc *uint256.Int, value string) error {
	if value == "" {
		return nil
	}
	v, err := uint256.FromDecimal(value)
	if err != nil {
		return err
	}
	acc.Add(acc, v)
	return nil
}

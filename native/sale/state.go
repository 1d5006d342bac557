package sale

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"halloffame/storage"
)

// State persists the sale configuration and the per-buyer sold counters.
type State interface {
	LoadConfig() (*Config, bool, error)
	StoreConfig(*Config) error
	SoldGet(buyer string) (uint32, bool, error)
	SoldPut(buyer string, sold uint32) error
}

var (
	configKey     = []byte("sale/config")
	soldKeyPrefix = "sale/sold/"
)

type storedConfig struct {
	Owner            string  `json:"owner_id"`
	Treasury         string  `json:"treasury_id"`
	TokenService     string  `json:"token_service"`
	Price            string  `json:"price"`
	PrivateSaleStart uint64  `json:"private_sale_timestamp"`
	OpenSaleStart    uint64  `json:"open_sale_timestamp"`
	SignerPK         *string `json:"signer_pk"`
}

// KVState stores sale state in a storage.Database.
type KVState struct {
	db storage.Database
}

func NewKVState(db storage.Database) *KVState { return &KVState{db: db} }

func (s *KVState) LoadConfig() (*Config, bool, error) {
	raw, err := s.db.Get(configKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sale state: load config: %w", err)
	}
	var stored storedConfig
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("sale state: decode config: %w", err)
	}
	price, err := ParseAmount(stored.Price)
	if err != nil {
		return nil, false, fmt.Errorf("sale state: decode price: %w", err)
	}
	return &Config{
		Owner:            stored.Owner,
		Treasury:         stored.Treasury,
		TokenService:     stored.TokenService,
		Price:            price,
		PrivateSaleStart: stored.PrivateSaleStart,
		OpenSaleStart:    stored.OpenSaleStart,
		SignerPK:         stored.SignerPK,
	}, true, nil
}

func (s *KVState) StoreConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("sale state: nil config")
	}
	raw, err := json.Marshal(storedConfig{
		Owner:            cfg.Owner,
		Treasury:         cfg.Treasury,
		TokenService:     cfg.TokenService,
		Price:            cloneAmount(cfg.Price).Dec(),
		PrivateSaleStart: cfg.PrivateSaleStart,
		OpenSaleStart:    cfg.OpenSaleStart,
		SignerPK:         cfg.SignerPK,
	})
	if err != nil {
		return err
	}
	return s.db.Put(configKey, raw)
}

func (s *KVState) SoldGet(buyer string) (uint32, bool, error) {
	raw, err := s.db.Get([]byte(soldKeyPrefix + buyer))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sale state: load sold: %w", err)
	}
	if len(raw) != 4 {
		return 0, false, fmt.Errorf("sale state: corrupt sold counter for %s", buyer)
	}
	return binary.BigEndian.Uint32(raw), true, nil
}

func (s *KVState) SoldPut(buyer string, sold uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], sold)
	return s.db.Put([]byte(soldKeyPrefix+buyer), buf[:])
}

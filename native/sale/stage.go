package sale

// StageAt derives the sale stage at now (unix seconds). It is a pure function
// of the two configured timestamps.
func StageAt(now uint64, cfg *Config) Stage {
	if cfg == nil || cfg.PrivateSaleStart == 0 || now < cfg.PrivateSaleStart {
		return StageSoon
	}
	if now < cfg.OpenSaleStart {
		return StagePrivate
	}
	return StageOpen
}

package postgres

// Store bundles the repositories behind the interfaces the coordinators persist to.
type Store struct {
	*QuoteRepository
	*KeysetRepository
	*BalanceRepository
	*ChannelStatsRepository
}

// NewStore creates a Store sharing c's connection pool.
func NewStore(c *Client) *Store {
	return &Store{
		QuoteRepository:        NewQuoteRepository(c.DB()),
		KeysetRepository:       NewKeysetRepository(c.DB()),
		BalanceRepository:      NewBalanceRepository(c.DB()),
		ChannelStatsRepository: NewChannelStatsRepository(c.DB()),
	}
}

package engine

import "math/big"

// MarketStatus mirrors the upstream feed state for a market.
type MarketStatus uint8

const (
	MarketStopped MarketStatus = 0
	MarketActive  MarketStatus = 1
)

// Market is the latest accepted state of one price feed.
type Market struct {
	Status MarketStatus

	// Timestamp is the publish time of the last accepted update. The update
	// policy is monotonic on this field only; block numbers and arrival
	// order play no part.
	Timestamp uint64

	// Price is the last accepted price (signed).
	Price *big.Int
}

// MarketStore holds the latest observed price per market id. Markets are
// created lazily on first subscribe and never removed.
type MarketStore struct {
	markets map[uint64]*Market
}

// NewMarketStore creates an empty store.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[uint64]*Market)}
}

// Ensure creates the market record if it does not exist yet and returns it.
func (s *MarketStore) Ensure(marketID uint64) *Market {
	m, ok := s.markets[marketID]
	if !ok {
		m = &Market{Status: MarketActive, Price: new(big.Int)}
		s.markets[marketID] = m
	}
	return m
}

// Get returns the market record, or false if no subscriber ever demanded it.
func (s *MarketStore) Get(marketID uint64) (Market, bool) {
	m, ok := s.markets[marketID]
	if !ok {
		return Market{}, false
	}
	snap := *m
	snap.Price = new(big.Int).Set(m.Price)
	return snap, true
}

// UpdatePrice applies a publish to the market. A publish whose time is not
// strictly newer than the stored timestamp is rejected without any state
// change, which makes duplicate and out-of-order deliveries no-ops: after
// any arrival order, the stored price is the one with the maximum publish
// time seen so far.
func (s *MarketStore) UpdatePrice(marketID uint64, publishTime uint64, price *big.Int) (changed bool, m Market) {
	rec := s.Ensure(marketID)
	if publishTime <= rec.Timestamp {
		snap := *rec
		snap.Price = new(big.Int).Set(rec.Price)
		return false, snap
	}
	rec.Timestamp = publishTime
	rec.Price = new(big.Int).Set(price)
	snap := *rec
	snap.Price = new(big.Int).Set(rec.Price)
	return true, snap
}

// SetStatus records the upstream feed state for a market, creating it if
// needed.
func (s *MarketStore) SetStatus(marketID uint64, status MarketStatus) {
	s.Ensure(marketID).Status = status
}

// Snapshot returns a copy of every market record, for persistence.
func (s *MarketStore) Snapshot() map[uint64]Market {
	out := make(map[uint64]Market, len(s.markets))
	for id, m := range s.markets {
		snap := *m
		snap.Price = new(big.Int).Set(m.Price)
		out[id] = snap
	}
	return out
}

// Restore reinstates a persisted market record.
func (s *MarketStore) Restore(marketID uint64, m Market) {
	rec := m
	if rec.Price == nil {
		rec.Price = new(big.Int)
	} else {
		rec.Price = new(big.Int).Set(m.Price)
	}
	s.markets[marketID] = &rec
}

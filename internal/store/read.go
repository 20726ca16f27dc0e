package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/registry"
)

// LoadSubscriptions returns every persisted subscription in id order.
func (s *Store) LoadSubscriptions(ctx context.Context) ([]registry.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feed_id, persistent, active, target, calldata, gas_limit, processor
		FROM subscriptions
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []registry.Subscription
	for rows.Next() {
		var (
			sub                       registry.Subscription
			feedID, target, processor string
			persistent, active        int
		)
		if err := rows.Scan(&sub.ID, &feedID, &persistent, &active,
			&target, &sub.Calldata, &sub.GasLimit, &processor); err != nil {
			return nil, fmt.Errorf("load subscriptions: scan: %w", err)
		}
		sub.FeedID = common.HexToHash(feedID)
		sub.Persistent = persistent != 0
		sub.Active = active != 0
		sub.Target = common.HexToAddress(target)
		sub.Processor = common.HexToHash(processor)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	return subs, nil
}

// LoadFiredEvents returns the full fired-event history grouped by
// subscription, each group in chronological order. Snapshots are rebuilt
// from the subscription row plus the recorded active flag.
func (s *Store) LoadFiredEvents(ctx context.Context) (map[uint64][]registry.FiredEvent, error) {
	subs, err := s.LoadSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]registry.Subscription, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, fired_at, trigger_data, success, output, snapshot_active
		FROM fired_events
		ORDER BY subscription_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load fired events: %w", err)
	}
	defer rows.Close()

	events := make(map[uint64][]registry.FiredEvent)
	for rows.Next() {
		var (
			subID           uint64
			firedAt         int64
			ev              registry.FiredEvent
			success, active int
		)
		if err := rows.Scan(&subID, &firedAt, &ev.TriggerData,
			&success, &ev.Output, &active); err != nil {
			return nil, fmt.Errorf("load fired events: scan: %w", err)
		}
		ev.Subscription = byID[subID]
		ev.Subscription.Active = active != 0
		ev.Timestamp = time.Unix(0, firedAt)
		ev.Success = success != 0
		events[subID] = append(events[subID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fired events: %w", err)
	}
	return events, nil
}

// LoadMarkets returns every persisted market snapshot keyed by market id.
func (s *Store) LoadMarkets(ctx context.Context) (map[uint64]engine.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, status, publish_time, price FROM markets
	`)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	defer rows.Close()

	markets := make(map[uint64]engine.Market)
	for rows.Next() {
		var (
			id    uint64
			m     engine.Market
			price string
		)
		if err := rows.Scan(&id, &m.Status, &m.Timestamp, &price); err != nil {
			return nil, fmt.Errorf("load markets: scan: %w", err)
		}
		p, ok := new(big.Int).SetString(price, 10)
		if !ok {
			return nil, fmt.Errorf("load markets: bad price %q for market %d", price, id)
		}
		m.Price = p
		markets[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	return markets, nil
}

// LoadChains returns every chain watermark keyed by chain id.
func (s *Store) LoadChains(ctx context.Context) (map[uint64]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, last_seen FROM chains
	`)
	if err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}
	defer rows.Close()

	chains := make(map[uint64]uint64)
	for rows.Next() {
		var chainID, lastSeen uint64
		if err := rows.Scan(&chainID, &lastSeen); err != nil {
			return nil, fmt.Errorf("load chains: scan: %w", err)
		}
		chains[chainID] = lastSeen
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}
	return chains, nil
}

// LoadFeeds returns every feed ledger entry keyed by feed key.
func (s *Store) LoadFeeds(ctx context.Context) (map[common.Hash]engine.FeedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_key, feed_type, chain_id, identifier, refcount, status
		FROM feed_status
	`)
	if err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	defer rows.Close()

	feeds := make(map[common.Hash]engine.FeedEntry)
	for rows.Next() {
		var (
			key string
			e   engine.FeedEntry
		)
		if err := rows.Scan(&key, &e.Type, &e.ChainID, &e.Identifier, &e.Count, &e.Status); err != nil {
			return nil, fmt.Errorf("load feeds: scan: %w", err)
		}
		feeds[common.HexToHash(key)] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}
	return feeds, nil
}

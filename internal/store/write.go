package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/registry"
)

// SaveSubscription upserts a subscription row. The registry calls this on
// create and on every active-flag transition; the row mirrors the live
// record, so REPLACE semantics are correct here.
func (s *Store) SaveSubscription(ctx context.Context, sub registry.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, feed_id, persistent, active, target, calldata, gas_limit, processor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active
	`,
		sub.ID,
		sub.FeedID.Hex(),
		boolInt(sub.Persistent),
		boolInt(sub.Active),
		sub.Target.Hex(),
		sub.Calldata,
		sub.GasLimit,
		sub.Processor.Hex(),
	)
	if err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}
	return nil
}

// AppendFiredEvent appends one firing outcome to the audit log. The log is
// append-only; rows are never updated.
func (s *Store) AppendFiredEvent(ctx context.Context, ev registry.FiredEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fired_events
		(subscription_id, fired_at, trigger_data, success, output, snapshot_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.Subscription.ID,
		ev.Timestamp.UnixNano(),
		ev.TriggerData,
		boolInt(ev.Success),
		ev.Output,
		boolInt(ev.Subscription.Active),
	)
	if err != nil {
		return fmt.Errorf("write fired event: %w", err)
	}
	return nil
}

// SaveMarket upserts the latest accepted market snapshot.
func (s *Store) SaveMarket(ctx context.Context, marketID uint64, m engine.Market) error {
	price := "0"
	if m.Price != nil {
		price = m.Price.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (market_id, status, publish_time, price)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			status = excluded.status,
			publish_time = excluded.publish_time,
			price = excluded.price
	`,
		marketID, m.Status, m.Timestamp, price,
	)
	if err != nil {
		return fmt.Errorf("write market: %w", err)
	}
	return nil
}

// SaveChain upserts a chain's block-number watermark.
func (s *Store) SaveChain(ctx context.Context, chainID, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chains (chain_id, last_seen)
		VALUES (?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET last_seen = excluded.last_seen
	`,
		chainID, blockNumber,
	)
	if err != nil {
		return fmt.Errorf("write chain watermark: %w", err)
	}
	return nil
}

// SaveFeed upserts a feed ledger entry keyed by the feed's semantic key.
func (s *Store) SaveFeed(ctx context.Context, key common.Hash, e engine.FeedEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_status (feed_key, feed_type, chain_id, identifier, refcount, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_key) DO UPDATE SET
			refcount = excluded.refcount,
			status = excluded.status
	`,
		key.Hex(), e.Type, e.ChainID, e.Identifier, e.Count, e.Status,
	)
	if err != nil {
		return fmt.Errorf("write feed status: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

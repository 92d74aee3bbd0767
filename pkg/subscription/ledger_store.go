package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/ledger"
)

// Key layout in the ledger:
//
//	sub:<id>                      JSON subscription record
//	cust:<customerID>:sub:<id>    secondary index entry (value is the sub ID)
//	prod:<customerID>:<code>      customer+product uniqueness claim
//	hist:<id>:<seq>               JSON history entry, seq from histseq:<id>
func subKey(id uuid.UUID) string            { return "sub:" + id.String() }
func custKey(customerID, id string) string  { return "cust:" + customerID + ":sub:" + id }
func prodKey(customerID, code string) string { return "prod:" + customerID + ":" + code }
func histKey(id uuid.UUID, seq int64) string {
	return fmt.Sprintf("hist:%s:%012d", id, seq)
}
func histSeqKey(id uuid.UUID) string { return "histseq:" + id.String() }

// LedgerStore persists subscriptions through the ledger's conditional
// primitives. Status transitions ride on CompareAndSwap of the serialized
// record, so a stale writer always loses rather than silently overwriting.
type LedgerStore struct {
	store ledger.Ledger
}

func NewLedgerStore(store ledger.Ledger) *LedgerStore {
	if store == nil {
		panic("subscription: ledger is required")
	}
	return &LedgerStore{store: store}
}

func (s *LedgerStore) Create(ctx context.Context, sub *Subscription) error {
	// Claim the customer+product slot first; this is the duplicate guard.
	claimed, err := s.store.SetNX(ctx, prodKey(sub.CustomerID, sub.ProductCode), []byte(sub.ID.String()), 0)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateSubscription
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		s.releaseClaim(ctx, sub)
		return err
	}
	if err := s.store.CompareAndSwap(ctx, subKey(sub.ID), nil, raw); err != nil {
		s.releaseClaim(ctx, sub)
		if errors.Is(err, ledger.ErrConflict) {
			return ErrDuplicateSubscription
		}
		return err
	}

	if err := s.store.Put(ctx, custKey(sub.CustomerID, sub.ID.String()), []byte(sub.ID.String())); err != nil {
		// Roll the record back too: a subscription missing from the customer
		// index is invisible to lookups and could never be cancelled.
		_ = s.store.Delete(ctx, subKey(sub.ID))
		s.releaseClaim(ctx, sub)
		return err
	}
	return nil
}

// releaseClaim undoes the customer+product slot claimed at the top of Create.
// Without it a failed create would lock the customer out of the product with
// no subscription left to cancel. Best-effort: the caller already has the
// create error to act on.
func (s *LedgerStore) releaseClaim(ctx context.Context, sub *Subscription) {
	_ = s.store.Delete(ctx, prodKey(sub.CustomerID, sub.ProductCode))
}

func (s *LedgerStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	raw, err := s.store.Get(ctx, subKey(id))
	if errors.Is(err, ledger.ErrKeyNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *LedgerStore) GetByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	index, err := s.store.List(ctx, "cust:"+customerID+":sub:")
	if err != nil {
		return nil, err
	}

	subs := make([]*Subscription, 0, len(index))
	for _, rawID := range index {
		id, err := uuid.Parse(string(rawID))
		if err != nil {
			continue // index entry corrupted, skip rather than fail the scan
		}
		sub, err := s.Get(ctx, id)
		if errors.Is(err, ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	slices.SortFunc(subs, func(a, b *Subscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return subs, nil
}

func (s *LedgerStore) Swap(ctx context.Context, old, new *Subscription) error {
	oldRaw, err := json.Marshal(old)
	if err != nil {
		return err
	}
	newRaw, err := json.Marshal(new)
	if err != nil {
		return err
	}
	return s.store.CompareAndSwap(ctx, subKey(old.ID), oldRaw, newRaw)
}

func (s *LedgerStore) ReleaseProduct(ctx context.Context, customerID, productCode string) error {
	return s.store.Delete(ctx, prodKey(customerID, productCode))
}

func (s *LedgerStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	seq, err := s.store.Increment(ctx, histSeqKey(entry.SubscriptionID), 1)
	if err != nil {
		return err
	}
	entry.Sequence = seq

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, histKey(entry.SubscriptionID, seq), raw)
}

func (s *LedgerStore) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	raw, err := s.store.List(ctx, "hist:"+id.String()+":")
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, v := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b HistoryEntry) int {
		return int(a.Sequence - b.Sequence)
	})
	return entries, nil
}

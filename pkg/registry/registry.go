// Package registry implements the append-only data registry: the shared
// index of contributions keyed by (features, label, submit-time, sender),
// with per-entry claim accounting. It is grounded on the teacher's
// chain/node.TxPool (a map keyed by a derived identity, plus per-address
// auxiliary indices, guarded by a single RWMutex) generalized from pooling
// pending transactions to pooling submitted training samples.
package registry

import (
	"errors"
	"sync"

	"collabsim/pkg/ledger"
	"collabsim/pkg/types"
)

// StoredData is one contribution as recorded by the registry.
type StoredData struct {
	Classification string
	Time           float64
	Sender         types.Address
	InitialDeposit ledger.Amount
	ClaimableAmount ledger.Amount
	ClaimedBy       map[types.Address]struct{}
}

// HasClaimed reports whether receiver already claimed against this entry.
func (d *StoredData) HasClaimed(receiver types.Address) bool {
	_, ok := d.ClaimedBy[receiver]
	return ok
}

// Key uniquely identifies a contribution: canonicalized features, label,
// submit time, and sender. Adding the same key twice fails.
type Key struct {
	Features       string
	Classification string
	Time           float64
	Sender         types.Address
}

func makeKey(data types.FeatureVector, label string, t float64, sender types.Address) Key {
	return Key{Features: data.CanonicalKey(), Classification: label, Time: t, Sender: sender}
}

// ErrDuplicateKey is returned when a (features, label, time, sender) tuple
// is already present.
var ErrDuplicateKey = errors.New("registry: duplicate contribution key")

// ErrNotFound is returned when a lookup key has no entry.
var ErrNotFound = errors.New("registry: entry not found")

// ErrAuthorshipMismatch is returned when a refund is attempted by someone
// other than the entry's original sender.
var ErrAuthorshipMismatch = errors.New("registry: sender does not match original author")

// ErrAlreadyClaimed is returned when a claimant has already drawn against
// this entry.
var ErrAlreadyClaimed = errors.New("registry: already claimed by this address")

// Registry is the shared, append-only contribution index.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*StoredData
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*StoredData)}
}

// Exists reports whether the (data, label, t, sender) key is already taken,
// letting callers pre-check for the duplicate-key reject before mutating
// any upstream incentive-mechanism state (see trainer.Trainer.AddData).
func (r *Registry) Exists(data types.FeatureVector, label string, t float64, sender types.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[makeKey(data, label, t, sender)]
	return ok
}

// HandleAddData inserts a new contribution, failing on a duplicate key.
func (r *Registry) HandleAddData(sender types.Address, cost ledger.Amount, data types.FeatureVector, label string, now float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := makeKey(data, label, now, sender)
	if _, exists := r.entries[key]; exists {
		return ErrDuplicateKey
	}
	r.entries[key] = &StoredData{
		Classification:  label,
		Time:            now,
		Sender:          sender,
		InitialDeposit:  cost,
		ClaimableAmount: cost,
		ClaimedBy:       make(map[types.Address]struct{}),
	}
	return nil
}

// GetData fetches an entry by its full key, returning (nil, false) if absent.
func (r *Registry) GetData(data types.FeatureVector, label string, t float64, sender types.Address) (*StoredData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[makeKey(data, label, t, sender)]
	return entry, ok
}

// HandleRefund validates that submitter may attempt a refund against the
// given entry and returns (claimable amount, already-claimed-by-submitter,
// entry). It does not mutate claim state — UpdateClaimableAmount does that
// once the incentive mechanism has approved the payout.
func (r *Registry) HandleRefund(sender types.Address, data types.FeatureVector, label string, t float64) (ledger.Amount, bool, *StoredData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := makeKey(data, label, t, sender)
	entry, ok := r.entries[key]
	if !ok {
		// The key includes the sender, so a miss may still be an entry
		// with the same data, label and time authored by someone else.
		for k := range r.entries {
			if k.Features == key.Features && k.Classification == key.Classification && k.Time == key.Time {
				return 0, false, nil, ErrAuthorshipMismatch
			}
		}
		return 0, false, nil, ErrNotFound
	}
	if !entry.Sender.Equal(sender) {
		return 0, false, nil, ErrAuthorshipMismatch
	}
	return entry.ClaimableAmount, entry.HasClaimed(sender), entry, nil
}

// HandleReport validates that reporter may attempt a report against the
// entry authored by originalAuthor, returning (already-claimed-by-reporter,
// entry).
func (r *Registry) HandleReport(reporter types.Address, data types.FeatureVector, label string, t float64, originalAuthor types.Address) (bool, *StoredData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[makeKey(data, label, t, originalAuthor)]
	if !ok {
		return false, nil, ErrNotFound
	}
	return entry.HasClaimed(reporter), entry, nil
}

// UpdateClaimableAmount marks receiver as having claimed against entry and
// deducts amount from its remaining claimable balance, floored at zero
// (spec.md §4.2: "entry.claimable_amount −= amount (must stay ≥ 0)").
// The reference data handler performs this same unconditional subtraction
// with no overclaim check (original_source's data_handler.py
// update_claimable_amount); the Prediction Market's pooled payouts
// (market.Market.HandleRefund draws from market_balances, not any one
// entry's stake) routinely exceed a single entry's claimable amount, so
// this clamps rather than rejects — invariant 4 (claim monotonicity) is
// preserved by the floor, not by refusing the claim.
func (r *Registry) UpdateClaimableAmount(receiver types.Address, entry *StoredData, amount ledger.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ClaimedBy[receiver] = struct{}{}
	entry.ClaimableAmount -= amount
	if entry.ClaimableAmount < 0 {
		entry.ClaimableAmount = 0
	}
}

// Len returns the number of stored entries, exposed for monitoring.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

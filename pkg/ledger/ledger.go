// Package ledger implements the closed-economy balance sheet shared by every
// incentive mechanism: a simple Address -> Amount map with a clamping send
// primitive, grounded on the teacher's chain/types.TokenSupply balance map
// and chain/node.StateDB's GetBalance/SetBalance pair, generalized from a
// *big.Int wei ledger to a float64 Amount ledger (see SPEC_FULL.md §3 for
// why Amount must support real-valued transfers).
package ledger

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"collabsim/pkg/types"
)

// Amount is a non-negative real balance. The zero value is zero.
type Amount float64

// ErrAlreadyInitialized is returned by Initialize for a pre-existing address.
var ErrAlreadyInitialized = errors.New("ledger: address already initialized")

// ErrNotFound is returned by Get/Send for an address with no balance.
var ErrNotFound = errors.New("ledger: address not found")

// Ledger is an Address -> Amount balance sheet. All balances are
// non-negative by construction; Send clamps rather than overdraws.
type Ledger struct {
	mu       sync.RWMutex
	balances map[types.Address]Amount
	logger   *log.Logger
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[types.Address]Amount),
		logger:   log.New(os.Stderr, "[ledger] ", log.LstdFlags),
	}
}

// Initialize bootstraps an address with an opening balance. It fails if the
// address already has a balance, modeling the one-time funding of an agent
// or a bounty provider at the start of a run.
func (l *Ledger) Initialize(addr types.Address, v Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.balances[addr]; exists {
		return ErrAlreadyInitialized
	}
	l.balances[addr] = v
	return nil
}

// Contains reports whether addr has an entry in the ledger.
func (l *Ledger) Contains(addr types.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.balances[addr]
	return exists
}

// Get returns addr's balance, failing if it has never been initialized.
func (l *Ledger) Get(addr types.Address) (Amount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, exists := l.balances[addr]
	if !exists {
		return 0, ErrNotFound
	}
	return bal, nil
}

// Send transfers v from `from` to `to`. v must be non-negative; v == 0 is a
// no-op. If from's balance is less than v, only from's balance is
// transferred (clamped) and a warning is logged — this is the only way
// balances can fail to reconcile to the requested amount, and it never
// drives a balance negative. `to` is auto-initialized at zero if absent.
func (l *Ledger) Send(from, to types.Address, v Amount) error {
	if v < 0 {
		return fmt.Errorf("ledger: negative send amount %v", v)
	}
	if v == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, exists := l.balances[from]
	if !exists {
		return ErrNotFound
	}

	transfer := v
	if fromBal < v {
		transfer = fromBal
		l.logger.Printf("clamping send from %s: requested %v, available %v", from, v, fromBal)
	}

	l.balances[from] = fromBal - transfer
	l.balances[to] += transfer
	return nil
}

// Snapshot returns a copy of all balances, for metrics/artifact export.
func (l *Ledger) Snapshot() map[types.Address]Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[types.Address]Amount, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Total returns the sum of all balances, used by zero-sum conservation
// tests (spec.md §8 invariant 1 and scenario S4).
func (l *Ledger) Total() Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total Amount
	for _, v := range l.balances {
		total += v
	}
	return total
}

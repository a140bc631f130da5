// Package ledger records accepted payments and reconciles them with
// asynchronous on-chain settlement results.
//
// A record is created optimistically the moment the gate accepts a payment
// and releases the resource, which can happen before on-chain finality is
// observed. The transaction hash is backfilled later by whatever component
// learns of the terminal settlement outcome. The ledger is the sole owner of
// its records; the gate and settler only emit events into it.
package ledger

import (
	"strings"
	"sync"
	"time"
)

// Payment is one accepted purchase.
type Payment struct {
	// Resource identifies the purchased resource.
	Resource string `json:"resource"`

	// Amount is the payment amount in the asset's smallest unit.
	Amount string `json:"amount"`

	// TxHash is the settlement transaction hash. Empty until on-chain
	// settlement is confirmed.
	TxHash string `json:"txHash,omitempty"`

	// Payer is the account recovered from the authorization signature.
	Payer string `json:"payer"`

	// Timestamp is when the payment was accepted.
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is an in-memory payment ledger. Mutations are serialized with a
// mutex so two concurrent settlements cannot double-attach a transaction to
// the same record. Construct one per process and inject it; the lifecycle is
// explicit so tests can build fresh instances.
type Ledger struct {
	mu       sync.Mutex
	payments []Payment
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// RecordAccepted appends an accepted payment. If the timestamp is zero it is
// set to now.
func (l *Ledger) RecordAccepted(p Payment) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments = append(l.payments, p)
}

// AttachTransaction backfills the transaction hash on the most recent
// unattached record matching the resource and payer (payer comparison is
// case-insensitive: addresses arrive in mixed checksum casings).
//
// Returns false when no unattached record matches; callers must treat that
// as "already reconciled or unknown payment", not an error. This tolerates
// reordering between the optimistic accept and the asynchronous confirm.
func (l *Ledger) AttachTransaction(resource, payer, txHash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.payments) - 1; i >= 0; i-- {
		p := &l.payments[i]
		if p.TxHash != "" {
			continue
		}
		if p.Resource != resource {
			continue
		}
		if !strings.EqualFold(p.Payer, payer) {
			continue
		}
		p.TxHash = txHash
		return true
	}
	return false
}

// Payments returns a snapshot of all records, oldest first.
func (l *Ledger) Payments() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Payment, len(l.payments))
	copy(out, l.payments)
	return out
}

// Reset discards all records. This is the explicit administrative reset;
// nothing else ever deletes a record.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments = nil
}

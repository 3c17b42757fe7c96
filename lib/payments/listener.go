package payments

import (
	"context"
	"fmt"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/logging"
)

// AccountStore is the persistence slice the listener needs to credit
// paid invoices.
type AccountStore interface {
	GetAccount(relayID, pubkey string) (*types.Account, error)
	UpsertAccount(account *types.Account) error
	GetRelay(relayID string) (*types.NostrRelay, error)
}

// Listener consumes paid invoices and credits the accounts they were
// bought for. Invoices reach it through Enqueue, from the payments
// webhook or an in-process provider.
type Listener struct {
	store AccountStore
	queue chan *Invoice
}

func NewListener(store AccountStore, queueSize int) *Listener {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Listener{
		store: store,
		queue: make(chan *Invoice, queueSize),
	}
}

// Enqueue hands a paid invoice to the listener. It blocks when the
// queue is full rather than dropping a paid invoice.
func (l *Listener) Enqueue(invoice *Invoice) {
	l.queue <- invoice
}

// Run consumes the queue until the context is cancelled. Credit
// failures are logged and never stop the loop.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case invoice := <-l.queue:
			if err := l.creditInvoice(invoice); err != nil {
				logging.Warnf("Failed to credit invoice %s: %v", invoice.PaymentHash, err)
			}
		}
	}
}

func (l *Listener) creditInvoice(invoice *Invoice) error {
	if invoice.Extra.Tag != types.InvoiceTag {
		return nil
	}

	switch invoice.Extra.Action {
	case types.BuyActionJoin:
		return l.creditJoin(invoice)
	case types.BuyActionStorage:
		return l.creditStorage(invoice)
	default:
		return fmt.Errorf("unknown invoice action %q", invoice.Extra.Action)
	}
}

func (l *Listener) creditJoin(invoice *Invoice) error {
	account, err := l.account(invoice)
	if err != nil {
		return err
	}

	// Blocked accounts are never modified; paying again is a no-op.
	if account.Blocked || account.PaidToJoin {
		return nil
	}

	account.PaidToJoin = true
	account.Sats += invoice.AmountSats

	logging.Infof("Pubkey %s joined relay %s", account.Pubkey, account.RelayID)
	return l.store.UpsertAccount(account)
}

func (l *Listener) creditStorage(invoice *Invoice) error {
	account, err := l.account(invoice)
	if err != nil {
		return err
	}
	if account.Blocked {
		return nil
	}

	row, err := l.store.GetRelay(invoice.Extra.RelayID)
	if err != nil {
		return fmt.Errorf("failed to load relay %s: %w", invoice.Extra.RelayID, err)
	}
	if row == nil {
		return fmt.Errorf("relay %s no longer exists", invoice.Extra.RelayID)
	}

	account.Storage = uint64(invoice.Extra.UnitsToBuy) * row.Spec().StorageCostBytes()
	account.Sats += invoice.AmountSats

	logging.Infof("Pubkey %s bought %d storage units on relay %s", account.Pubkey, invoice.Extra.UnitsToBuy, account.RelayID)
	return l.store.UpsertAccount(account)
}

func (l *Listener) account(invoice *Invoice) (*types.Account, error) {
	account, err := l.store.GetAccount(invoice.Extra.RelayID, invoice.Extra.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		account = &types.Account{
			RelayID: invoice.Extra.RelayID,
			Pubkey:  invoice.Extra.Pubkey,
		}
	}
	return account, nil
}

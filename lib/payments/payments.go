package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	types "github.com/lnbits/nostrrelay/lib"
)

// InvoiceExtra is the order metadata an invoice carries. The payment
// listener only acts on invoices whose tag matches types.InvoiceTag.
type InvoiceExtra struct {
	Tag string `json:"tag"`
	types.BuyOrder
}

// Invoice is a payment request together with the order it settles.
type Invoice struct {
	PaymentHash    string       `json:"payment_hash"`
	PaymentRequest string       `json:"payment_request"`
	Wallet         string       `json:"wallet,omitempty"`
	AmountSats     int64        `json:"amount_sats"`
	Memo           string       `json:"memo"`
	Extra          InvoiceExtra `json:"extra"`
}

// Provider creates invoices against a wallet backend.
type Provider interface {
	CreateInvoice(ctx context.Context, wallet string, amountSats int64, memo string, extra InvoiceExtra) (*Invoice, error)
}

// LocalProvider issues invoices settled through the payments webhook
// instead of a wallet daemon. The payment request is an opaque token an
// operator bridges to whatever wallet they run.
type LocalProvider struct{}

func (LocalProvider) CreateInvoice(_ context.Context, wallet string, amountSats int64, memo string, extra InvoiceExtra) (*Invoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d", amountSats)
	}

	hash := uuid.NewString()
	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: "nostrrelay:invoice:" + hash,
		Wallet:         wallet,
		AmountSats:     amountSats,
		Memo:           memo,
		Extra:          extra,
	}, nil
}

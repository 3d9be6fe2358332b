package pipeline

import (
	"context"

	"github.com/contaspt/media-ingest/download"
	"github.com/contaspt/media-ingest/whatsapp"
)

// Gateway is the messaging side of the pipeline: where media comes from
// and where replies go, per business number.
type Gateway interface {
	Source(phoneNumberID string) download.Source
	SendText(ctx context.Context, phoneNumberID, to, body string) error
}

type accountsGateway struct {
	accounts *whatsapp.Accounts
}

// NewGateway routes downloads and replies through the client of the
// business number each message arrived on.
func NewGateway(accounts *whatsapp.Accounts) Gateway {
	return &accountsGateway{accounts: accounts}
}

func (g *accountsGateway) Source(phoneNumberID string) download.Source {
	return g.accounts.Client(phoneNumberID)
}

func (g *accountsGateway) SendText(ctx context.Context, phoneNumberID, to, body string) error {
	if phoneNumberID == "" {
		phoneNumberID = g.accounts.DefaultPhoneNumberID()
	}
	_, err := g.accounts.Client(phoneNumberID).SendText(ctx, phoneNumberID, to, body)
	return err
}

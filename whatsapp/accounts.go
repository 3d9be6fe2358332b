package whatsapp

import "errors"

// Account is one WhatsApp business number and its credentials.
type Account struct {
	PhoneNumberID string `json:"phone_number_id" yaml:"phone_number_id"`
	DisplayNumber string `json:"display_number" yaml:"display_number"`
	AccessToken   string `json:"access_token" yaml:"access_token"`
	VerifyToken   string `json:"verify_token" yaml:"verify_token"`
	AppSecret     string `json:"app_secret" yaml:"app_secret"`
}

var ErrNoAccounts = errors.New("no whatsapp accounts configured")

// Accounts routes Graph calls to the client holding the credentials of
// the business number a message arrived on. The first account is the
// default for unknown numbers.
type Accounts struct {
	accounts []Account
	clients  map[string]*Client
	fallback *Client
}

func NewAccounts(accounts []Account, opts ...ClientOption) (*Accounts, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	a := &Accounts{
		accounts: accounts,
		clients:  make(map[string]*Client, len(accounts)),
	}
	for i, acct := range accounts {
		c := NewClient(acct.AccessToken, opts...)
		a.clients[acct.PhoneNumberID] = c
		if i == 0 {
			a.fallback = c
		}
	}
	return a, nil
}

// Client returns the client for phoneNumberID, or the default client.
func (a *Accounts) Client(phoneNumberID string) *Client {
	if c, ok := a.clients[phoneNumberID]; ok {
		return c
	}
	return a.fallback
}

// DefaultPhoneNumberID is the sending number used when a message carries
// no metadata.
func (a *Accounts) DefaultPhoneNumberID() string {
	return a.accounts[0].PhoneNumberID
}

func (a *Accounts) VerifyTokens() []string {
	out := make([]string, 0, len(a.accounts))
	for _, acct := range a.accounts {
		out = append(out, acct.VerifyToken)
	}
	return out
}

func (a *Accounts) AppSecrets() []string {
	out := make([]string, 0, len(a.accounts))
	for _, acct := range a.accounts {
		out = append(out, acct.AppSecret)
	}
	return out
}

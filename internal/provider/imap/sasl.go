package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// xoauth2Client implements the XOAUTH2 mechanism used by Gmail and Outlook.
// go-sasl only ships OAUTHBEARER.
type xoauth2Client struct {
	username string
	token    string
	failure  string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next receives the server's JSON error document. Answering with an empty
// response lets the server finish the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	c.failure = string(challenge)
	return []byte{}, nil
}

func newSASLClient(acct *domain.Account, token string, p provider.Params) (sasl.Client, error) {
	switch acct.Provider {
	case domain.ProviderGmail, domain.ProviderOutlook:
		return &xoauth2Client{username: acct.Email, token: token}, nil
	case domain.ProviderYahoo:
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: acct.Email,
			Token:    token,
			Host:     p.Host,
			Port:     p.Port,
		}), nil
	default:
		return nil, fmt.Errorf("no SASL mechanism for provider %q", acct.Provider)
	}
}

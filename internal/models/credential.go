package models

import (
	"fmt"

	"golang.org/x/oauth2"
)

// Credential holds the secrets needed to open a connection to a resource.
// It is fetched for a single connect attempt and never logged.
type Credential struct {
	ID         string        `json:"id"`
	Username   string        `json:"username,omitempty"`
	Secret     string        `json:"secret,omitempty"`
	Domain     string        `json:"domain,omitempty"`
	PrivateKey string        `json:"private_key,omitempty"`
	Token      *oauth2.Token `json:"token,omitempty"`
}

// String redacts secrets.
func (c *Credential) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Credential{ID:%s Username:%s Secret:%s}", c.ID, c.Username, redact(c.Secret))
}

// GoString redacts secrets for %#v.
func (c *Credential) GoString() string {
	return c.String()
}

// HasToken reports whether an OAuth token is attached.
func (c *Credential) HasToken() bool {
	return c != nil && c.Token != nil && c.Token.AccessToken != ""
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

package types

import (
	"errors"
	"strings"
)

// AuthType selects which Growatt API an entry talks to.
type AuthType string

const (
	// AuthPassword is the classic username/password API. Every login counts
	// towards the account lockout so it is always throttled.
	AuthPassword AuthType = "password"
	// AuthAPIToken is the official V1 API. No login step.
	AuthAPIToken AuthType = "api_token"
)

// DefaultPlantID is the legacy "pick the first plant" marker written by old
// entries.
const DefaultPlantID = "0"

// ErrUnknownAuthType is returned when an entry has neither a token nor a
// username to infer the auth type from.
var ErrUnknownAuthType = errors.New("unable to determine authentication type")

// Credentials is the account section of a config entry.
type Credentials struct {
	AuthType AuthType `json:"authType,omitempty" yaml:"auth_type,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"-" yaml:"password,omitempty"`
	URL      string   `json:"url,omitempty" yaml:"url,omitempty"`
	Token    string   `json:"-" yaml:"token,omitempty"`
	PlantID  string   `json:"plantID,omitempty" yaml:"plant_id,omitempty"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// DetectAuthType infers the auth type for entries created before the field
// existed. It returns the credentials unchanged if the type is already set.
func DetectAuthType(c Credentials) (Credentials, bool, error) {
	if c.AuthType != "" {
		return c, false, nil
	}
	switch {
	case c.Token != "":
		c.AuthType = AuthAPIToken
	case c.Username != "":
		c.AuthType = AuthPassword
	default:
		return c, false, ErrUnknownAuthType
	}
	return c, true, nil
}

// SameAccount reports whether a session derived from o may be reused for c.
// Usernames are compared case-insensitively, server URLs exactly.
func (c Credentials) SameAccount(o Credentials) bool {
	if c.AuthType != o.AuthType {
		return false
	}
	if c.AuthType == AuthAPIToken {
		return c.Token == o.Token
	}
	return strings.EqualFold(c.Username, o.Username) && c.URL == o.URL
}

// Package growatt talks to the Growatt cloud. Classic is the username and
// password API used by the ShinePhone app; V1 is the token based OpenAPI.
package growatt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
)

// ServerURLs are the regional servers a new entry can pick from.
var ServerURLs = []string{
	"https://openapi.growatt.com/",
	"https://openapi-cn.growatt.com/",
	"https://openapi-us.growatt.com/",
	"https://openapi-au.growatt.com/",
	"http://server.smten.com/",
}

// DeprecatedURLs no longer answer and are rewritten to DefaultURL.
var DeprecatedURLs = []string{
	"https://server.growatt.com/",
	"https://server-api.growatt.com/",
	"https://server-us.growatt.com/",
}

// DefaultURL is used when an entry has no URL or a deprecated one.
var DefaultURL = ServerURLs[0]

// LoginInvalidAuthCode is the login "msg" for bad username, password or URL.
const LoginInvalidAuthCode = "502"

// LoginCategory is the throttle category shared by every password login.
const LoginCategory = "login"

// NormalizeURL returns the URL an entry should use and whether it differs
// from u.
func NormalizeURL(u string) (string, bool) {
	if u == "" {
		return DefaultURL, true
	}
	for _, d := range DeprecatedURLs {
		if u == d {
			return DefaultURL, true
		}
	}
	return u, false
}

// APIError is a V1 response with a non-zero error_code.
type APIError struct {
	Operation string
	Code      int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("growatt error during %s: %s (code %d)", e.Operation, e.Message, e.Code)
}

// Unwrap lets errors.Is match throttle.ErrAuthRejected for token failures.
func (e *APIError) Unwrap() error {
	if strings.Contains(strings.ToLower(e.Message), "unauthorized") {
		return throttle.ErrAuthRejected
	}
	return nil
}

// flexString decodes JSON strings and numbers alike. Growatt returns ids as
// either depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// asInt reads loosely typed numeric values ("1", 1, 1.0).
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		if t == "" || t == "null" {
			return 0, false
		}
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

// asString reads loosely typed string values, treating "null" as empty.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if t == "null" {
			return ""
		}
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

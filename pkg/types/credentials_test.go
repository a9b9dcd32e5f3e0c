package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectAuthType(t *testing.T) {
	t.Run("already set", func(t *testing.T) {
		c, changed, err := DetectAuthType(Credentials{AuthType: AuthPassword, Token: "tok"})
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, AuthPassword, c.AuthType)
	})

	t.Run("token", func(t *testing.T) {
		c, changed, err := DetectAuthType(Credentials{Token: "tok"})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, AuthAPIToken, c.AuthType)
	})

	t.Run("username", func(t *testing.T) {
		c, changed, err := DetectAuthType(Credentials{Username: "user", Password: "pw"})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, AuthPassword, c.AuthType)
	})

	t.Run("nothing", func(t *testing.T) {
		_, changed, err := DetectAuthType(Credentials{PlantID: "1"})
		assert.ErrorIs(t, err, ErrUnknownAuthType)
		assert.False(t, changed)
	})
}

func TestSameAccount(t *testing.T) {
	a := Credentials{AuthType: AuthPassword, Username: "User@Example.com", URL: "https://openapi.growatt.com/"}

	assert.True(t, a.SameAccount(Credentials{AuthType: AuthPassword, Username: "user@example.com", URL: "https://openapi.growatt.com/"}))
	assert.False(t, a.SameAccount(Credentials{AuthType: AuthPassword, Username: "other", URL: "https://openapi.growatt.com/"}))
	assert.False(t, a.SameAccount(Credentials{AuthType: AuthPassword, Username: "user@example.com", URL: "https://openapi-us.growatt.com/"}))
	assert.False(t, a.SameAccount(Credentials{AuthType: AuthAPIToken, Token: "tok"}))

	tok := Credentials{AuthType: AuthAPIToken, Token: "tok"}
	assert.True(t, tok.SameAccount(Credentials{AuthType: AuthAPIToken, Token: "tok"}))
	assert.False(t, tok.SameAccount(Credentials{AuthType: AuthAPIToken, Token: "other"}))
}

func TestBatteryModeName(t *testing.T) {
	assert.Equal(t, "Load First", BatteryModes["load_first"].Name())
	assert.Equal(t, "Battery First", BatteryModes["1"].Name())
	assert.Equal(t, "Grid First", BatteryModes["grid_first"].Name())
	assert.Equal(t, "Unknown", BatteryMode(7).Name())
}

package agui

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestClientAuthClientId(t *testing.T) {
	clientId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	byJwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	auth := &ClientAuth{
		ByJwt:      byJwt,
		AppVersion: "0.0.1",
	}
	parsedClientId, err := auth.ClientId()
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, parsedClientId)

	header := auth.Header()
	assert.Equal(t, "Bearer "+byJwt, header.Get("Authorization"))
	assert.Equal(t, "0.0.1", header.Get("X-App-Version"))
}

func TestClientAuthMissingClaim(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{})
	byJwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	auth := &ClientAuth{ByJwt: byJwt}
	_, err = auth.ClientId()
	assert.NotEqual(t, err, nil)
}

package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)
	return signed
}

func TestParseClientToken(t *testing.T) {
	signed := signTestToken(t, gojwt.MapClaims{
		"client_id": "agent-7",
		"agent":     "excalidraw-mcp/1.0",
	})

	clientToken, err := ParseClientTokenUnverified(signed)
	assert.Equal(t, err, nil)
	assert.Equal(t, clientToken.ClientId, "agent-7")
	assert.Equal(t, clientToken.Agent, "excalidraw-mcp/1.0")
}

func TestParseClientTokenSubFallback(t *testing.T) {
	signed := signTestToken(t, gojwt.MapClaims{
		"sub": "user-1",
	})

	clientToken, err := ParseClientTokenUnverified(signed)
	assert.Equal(t, err, nil)
	assert.Equal(t, clientToken.ClientId, "user-1")
}

func TestParseClientTokenMalformed(t *testing.T) {
	_, err := ParseClientTokenUnverified("not-a-jwt")
	assert.NotEqual(t, err, nil)
}

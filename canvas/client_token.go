package canvas

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientToken is the identity a client presents on the http and websocket
// handshakes. the token is not verified here; it only pins a stable client
// id for admission-control keys and provenance, the way a reverse proxy in
// front of the server would after verifying it.
type ClientToken struct {
	ClientId string
	Agent    string
}

func ParseClientTokenUnverified(token string) (*ClientToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	clientToken := &ClientToken{}
	if clientId, ok := claims["client_id"].(string); ok {
		clientToken.ClientId = clientId
	} else if sub, ok := claims["sub"].(string); ok {
		clientToken.ClientId = sub
	}
	if agent, ok := claims["agent"].(string); ok {
		clientToken.Agent = agent
	}
	return clientToken, nil
}

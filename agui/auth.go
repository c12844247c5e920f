package agui

import (
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth carries the optional gateway credential. The token is sent
// as a bearer header on the transport handshake; claims are read
// unverified on the client side only for log tags.
type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

// ClientId extracts the client_id claim without verifying the token
// signature. Verification is the gateway's job.
func (self *ClientAuth) ClientId() (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("token missing client_id claim")
	}
	return ParseId(clientIdStr)
}

func (self *ClientAuth) Header() http.Header {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	if self.AppVersion != "" {
		header.Set("X-App-Version", self.AppVersion)
	}
	return header
}

package nodeclient

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer mints the credentials a node presents in a register frame when
// the gateway runs in ed25519 (or dual) mode. It is called on every
// register, including resumes after a reconnect, so tokens are always
// freshly issued.
type Signer func(nodeID string) (signature, publicKey string, err error)

// DeviceSigner returns a Signer backed by an ed25519 device key. The
// signature is an EdDSA JWT with sub = nodeID and a short exp, matching
// what the gateway's verifier requires.
func DeviceSigner(priv ed25519.PrivateKey) Signer {
	pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	return func(nodeID string) (string, string, error) {
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		})
		signed, err := tok.SignedString(priv)
		if err != nil {
			return "", "", fmt.Errorf("sign register token: %w", err)
		}
		return signed, pub, nil
	}
}

// Package auth verifies node credentials at registration time and owns
// the trust-on-first-use device key store.
package auth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/errcode"
)

// Credential modes. Legacy is a shared bearer secret; ed25519 is a
// node-signed EdDSA JWT; dual accepts either while legacy is phased out.
const (
	ModeLegacy  = "legacy"
	ModeEd25519 = "ed25519"
	ModeDual    = "dual"
)

// Credentials are the auth-bearing fields of a node.register frame.
type Credentials struct {
	NodeID    string
	Token     string // legacy shared secret
	Signature string // EdDSA JWT signed by the node's device key
	PublicKey string // base64 raw ed25519 public key advertised by the node
}

// Verifier checks register credentials against the configured mode.
type Verifier struct {
	mu        sync.Mutex
	mode      string
	token     string
	jwtMaxAge time.Duration
	warned    map[string]bool // nodeIds already given the legacy deprecation warning

	keys *KeyStore
	log  *slog.Logger
	now  func() time.Time
}

// NewVerifier builds a verifier for the given auth section. token is the
// legacy shared secret; empty means legacy auth is open (local dev).
func NewVerifier(acfg config.AuthConfig, token string, keys *KeyStore, log *slog.Logger) *Verifier {
	return &Verifier{
		mode:      acfg.Mode,
		token:     token,
		jwtMaxAge: acfg.JwtMaxAge(),
		warned:    make(map[string]bool),
		keys:      keys,
		log:       log,
		now:       time.Now,
	}
}

// Update swaps the verifier's mode, secret, and JWT age bound on hot
// reload. Pinned keys live in the KeyStore and survive untouched.
func (v *Verifier) Update(acfg config.AuthConfig, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = acfg.Mode
	v.token = token
	v.jwtMaxAge = acfg.JwtMaxAge()
}

// Mode returns the active credential mode.
func (v *Verifier) Mode() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

// HandshakeToken returns the bearer secret the transport should require
// at upgrade time, or "" when the handshake is open. Only legacy and dual
// modes gate the handshake; ed25519 defers to the register frame.
func (v *Verifier) HandshakeToken() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mode == ModeEd25519 {
		return ""
	}
	return v.token
}

// Verify checks the credentials for a node.register frame. A nil return
// means the node is authenticated; otherwise the error is an
// *errcode.Error whose status picks the close code (401 → 4401, 403 → 4403).
func (v *Verifier) Verify(creds Credentials) error {
	v.mu.Lock()
	mode, token, maxAge := v.mode, v.token, v.jwtMaxAge
	v.mu.Unlock()

	switch mode {
	case ModeEd25519:
		return v.verifyJwt(creds, maxAge)
	case ModeDual:
		if creds.Signature != "" {
			return v.verifyJwt(creds, maxAge)
		}
		if err := v.verifyLegacy(creds, token); err != nil {
			return err
		}
		v.warnLegacy(creds.NodeID)
		return nil
	default:
		return v.verifyLegacy(creds, token)
	}
}

func (v *Verifier) verifyLegacy(creds Credentials, token string) error {
	if token == "" {
		return nil
	}
	if creds.Token == "" {
		return errcode.New(errcode.AuthTokenMissing, "node.register carried no token")
	}
	if subtle.ConstantTimeCompare([]byte(creds.Token), []byte(token)) != 1 {
		return errcode.New(errcode.AuthTokenInvalid, "shared secret mismatch")
	}
	return nil
}

// warnLegacy logs the legacy deprecation once per nodeId.
func (v *Verifier) warnLegacy(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.warned[nodeID] {
		return
	}
	v.warned[nodeID] = true
	v.log.Warn("auth.legacy_deprecated",
		"node_id", nodeID,
		"hint", "switch the node to ed25519 device keys")
}

func (v *Verifier) verifyJwt(creds Credentials, maxAge time.Duration) error {
	if creds.Signature == "" {
		return errcode.New(errcode.AuthTokenMissing, "node.register carried no signature")
	}

	pinned, havePin := v.keys.Get(creds.NodeID)
	if havePin && creds.PublicKey != "" && creds.PublicKey != pinned {
		v.log.Warn("auth.key_mismatch", "node_id", creds.NodeID)
		return errcode.New(errcode.AuthKeyMismatch, "key mismatch for "+creds.NodeID)
	}

	keyB64 := creds.PublicKey
	if havePin {
		keyB64 = pinned
	}
	if keyB64 == "" {
		return errcode.New(errcode.AuthTokenInvalid, "node.register carried no publicKey")
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return errcode.New(errcode.AuthTokenInvalid, "publicKey is not a base64 ed25519 key")
	}
	pub := ed25519.PublicKey(raw)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(creds.Signature, claims,
		func(t *jwt.Token) (interface{}, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return errcode.New(errcode.AuthTokenExpired, "register token expired")
		}
		return errcode.New(errcode.AuthTokenInvalid, "register token rejected: "+err.Error())
	}

	if claims.Subject != creds.NodeID {
		return errcode.Newf(errcode.AuthTokenInvalid, "token subject %q does not match nodeId %q", claims.Subject, creds.NodeID)
	}
	if claims.IssuedAt == nil {
		return errcode.New(errcode.AuthTokenInvalid, "register token has no iat claim")
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > maxAge {
		return errcode.Newf(errcode.AuthTokenExpired, "register token issued %s ago, max age %s", age.Round(time.Second), maxAge)
	}

	if !havePin {
		if err := v.keys.Pin(creds.NodeID, creds.PublicKey); err != nil {
			return err
		}
	}
	return nil
}

package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"
)

// No JWT library covers this corpus's other exchange integrations, which
// sign requests with raw HMAC instead; this exchange's authenticated-
// streaming protocol requires an ES256-signed JWT, so this mints one
// directly against crypto/ecdsa rather than introducing an unvetted
// dependency for a handful of JSON fields.

const jwtLifetime = 2 * time.Minute
const jwtRefreshMargin = 60 * time.Second

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
	Nonce string `json:"nonce"`
}

type jwtClaims struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Nbf int64  `json:"nbf"`
	Exp int64  `json:"exp"`
	URI string `json:"uri,omitempty"`
}

// JWTMinter mints and caches short-lived ES256 JWTs for REST and
// WebSocket authentication, refreshing whenever remaining lifetime drops
// below jwtRefreshMargin.
type JWTMinter struct {
	mu        sync.Mutex
	keyName   string
	key       *ecdsa.PrivateKey
	cachedURI string
	cached    string
	expiresAt time.Time
}

// NewJWTMinter parses a PEM-encoded EC private key (the exchange's API
// secret, provisioned out of band rather than managed here) and binds
// it to keyName (the API key id).
func NewJWTMinter(keyName, pemKey string) (*JWTMinter, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("exchange: jwt: no PEM block found in api secret")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("exchange: jwt: parse EC private key: %w", err)
	}
	return &JWTMinter{keyName: keyName, key: key}, nil
}

// ForREST returns a JWT bound to one method+host+path triple, minting a
// fresh token if the cached one is stale or bound to a different URI.
func (m *JWTMinter) ForREST(method, host, path string) (string, error) {
	uri := fmt.Sprintf("%s %s%s", method, host, path)
	return m.mint(uri)
}

// ForWebSocket returns a JWT with no uri claim, used to authenticate
// private WebSocket channel subscriptions.
func (m *JWTMinter) ForWebSocket() (string, error) {
	return m.mint("")
}

func (m *JWTMinter) mint(uri string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" && m.cachedURI == uri && time.Until(m.expiresAt) > jwtRefreshMargin {
		return m.cached, nil
	}

	now := time.Now().UTC()
	exp := now.Add(jwtLifetime)

	nonce, err := randomHex(16)
	if err != nil {
		return "", fmt.Errorf("exchange: jwt: nonce: %w", err)
	}

	header := jwtHeader{Alg: "ES256", Kid: m.keyName, Typ: "JWT", Nonce: nonce}
	claims := jwtClaims{Sub: m.keyName, Iss: "cdp", Nbf: now.Unix(), Exp: exp.Unix(), URI: uri}

	headerB, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsB, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := b64url(headerB) + "." + b64url(claimsB)
	sig, err := signES256(m.key, signingInput)
	if err != nil {
		return "", fmt.Errorf("exchange: jwt: sign: %w", err)
	}

	token := signingInput + "." + b64url(sig)
	m.cached = token
	m.cachedURI = uri
	m.expiresAt = exp
	return token, nil
}

func signES256(key *ecdsa.PrivateKey, input string) ([]byte, error) {
	sum := sha256.Sum256([]byte(input))
	r, s, err := ecdsa.Sign(rand.Reader, key, sum[:])
	if err != nil {
		return nil, err
	}
	// ES256 signatures are the fixed-width big-endian concatenation of r
	// and s, each padded to the curve's byte size (32 for P-256), not
	// ASN.1 DER.
	size := (key.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}

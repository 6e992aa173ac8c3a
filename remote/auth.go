package remote

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
)

// helloClaims asserts the dialing peer's RemoteId, short-lived, signed with
// the shared network secret — the application-layer identity assertion
// spec §1's non-goals call out ("the kernel does not do TLS termination,
// but it does assert peer identity at the application layer").
type helloClaims struct {
	PeerId string `json:"peerId"`
	jwt.RegisteredClaims
}

func signHello(self ids.RemoteId, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := helloClaims{
		PeerId: string(self),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// verifyHello checks tokenString's signature and expiry and returns the
// RemoteId it asserts. A bad signature, expired token, or unexpected
// signing method is a FatalNetwork error (spec §7): the reconnection loop
// must give up and drop the peer's queue rather than keep retrying an
// identity it cannot trust.
func verifyHello(tokenString string, secret []byte) (ids.RemoteId, error) {
	var claims helloClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, kerr.New(kerr.FatalNetwork, "remote: unexpected hello signing method", nil)
		}
		return secret, nil
	})
	if err != nil {
		return "", kerr.Wrap(err, kerr.FatalNetwork, "remote: hello verification failed", nil)
	}
	return ids.RemoteId(claims.PeerId), nil
}

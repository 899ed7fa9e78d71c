package dht

import (
	"crypto/hmac"
	"crypto/sha1"
	"net"
	"time"

	tcrypto "github.com/tendermint/go-crypto"
)

// Announce tokens tie a get_peers reply to the querier's address. A token
// is the SHA-1 of ip, port and a rotating secret; the previous secret is
// still accepted so a token stays valid across one rotation.
const (
	secretSize           = 20
	secretRotateInterval = 5 * time.Minute
)

type secretStore struct {
	secret    []byte
	oldSecret []byte
}

func newSecretStore() *secretStore {
	s := &secretStore{}
	s.secret = tcrypto.CRandBytes(secretSize)
	s.oldSecret = tcrypto.CRandBytes(secretSize)
	return s
}

// rotate retires the current secret into the previous slot.
func (s *secretStore) rotate() {
	s.oldSecret = s.secret
	s.secret = tcrypto.CRandBytes(secretSize)
}

// mint issues a token for the given endpoint under the current secret.
func (s *secretStore) mint(ip net.IP, port uint16) string {
	return tokenFor(ip, port, s.secret)
}

// validate accepts tokens minted under the current or the previous
// secret.
func (s *secretStore) validate(token string, ip net.IP, port uint16) bool {
	if hmac.Equal([]byte(token), []byte(tokenFor(ip, port, s.secret))) {
		return true
	}
	return hmac.Equal([]byte(token), []byte(tokenFor(ip, port, s.oldSecret)))
}

func tokenFor(ip net.IP, port uint16, secret []byte) string {
	h := sha1.New()
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip.To16())
	}
	h.Write([]byte{byte(port >> 8), byte(port)})
	h.Write(secret)
	return string(h.Sum(nil))
}

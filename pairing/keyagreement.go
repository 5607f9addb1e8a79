package pairing

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// pairingProtoID tags this handshake's KDF inputs, the same role the
// teacher's hsNtorProtoid string plays in onion/hsntor.go.
const pairingProtoID = "nkc-pairing-x25519-sha3-256-1"

// KeyPair is one device's ephemeral Diffie-Hellman keypair for the
// pairing handshake (PairingRequest.dhPub / identityPub carry the public
// halves).
type KeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateKeyPair produces a fresh curve25519 keypair, grounded on the
// teacher's HsNtorClientHandshake ephemeral-keypair step.
func GenerateKeyPair() (KeyPair, error) {
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("pairing: generate keypair: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("pairing: derive public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return KeyPair{Public: pub, private: priv}, nil
}

// SharedSecret derives the symmetric key both devices land on after
// exchanging dhPub values, via X25519(priv, peerPub) followed by a
// SHA3-256 KDF over the DH output and both parties' identity keys — the
// same EXP(...)-then-SHAKE/SHA3 shape as the teacher's hs-ntor handshake
// in onion/hsntor.go, generalized from a one-sided service handshake to
// a symmetric two-party one: both sides run the identical derivation
// with their own local/peer roles, so ordering the two identity keys
// lexicographically (rather than client/server ordering) keeps the
// result commutative.
func SharedSecret(local KeyPair, peerDH [32]byte, localIdentity, peerIdentity [32]byte) ([32]byte, error) {
	var secret [32]byte
	dh, err := curve25519.X25519(local.private[:], peerDH[:])
	if err != nil {
		return secret, fmt.Errorf("pairing: X25519: %w", err)
	}
	if isAllZero(dh) {
		return secret, fmt.Errorf("pairing: DH produced all-zero output")
	}

	first, second := localIdentity, peerIdentity
	if bytesLess(peerIdentity[:], localIdentity[:]) {
		first, second = peerIdentity, localIdentity
	}

	h := sha3.New256()
	h.Write([]byte(pairingProtoID))
	h.Write(dh)
	h.Write(first[:])
	h.Write(second[:])
	copy(secret[:], h.Sum(nil))
	return secret, nil
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

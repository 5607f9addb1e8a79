package pairing

import "testing"

func TestSharedSecretSymmetric(t *testing.T) {
	host, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("host keypair: %v", err)
	}
	guest, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("guest keypair: %v", err)
	}
	hostIdentity, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("host identity: %v", err)
	}
	guestIdentity, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("guest identity: %v", err)
	}

	hostSecret, err := SharedSecret(host, guest.Public, hostIdentity.Public, guestIdentity.Public)
	if err != nil {
		t.Fatalf("host derive: %v", err)
	}
	guestSecret, err := SharedSecret(guest, host.Public, guestIdentity.Public, hostIdentity.Public)
	if err != nil {
		t.Fatalf("guest derive: %v", err)
	}
	if hostSecret != guestSecret {
		t.Fatalf("shared secrets differ: host=%x guest=%x", hostSecret, guestSecret)
	}
}

func TestSharedSecretDiffersPerPeer(t *testing.T) {
	host, _ := GenerateKeyPair()
	guestA, _ := GenerateKeyPair()
	guestB, _ := GenerateKeyPair()
	idA, _ := GenerateKeyPair()
	idB, _ := GenerateKeyPair()

	s1, err := SharedSecret(host, guestA.Public, idA.Public, idB.Public)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	s2, err := SharedSecret(host, guestB.Public, idA.Public, idB.Public)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("shared secrets for different peers collided")
	}
}

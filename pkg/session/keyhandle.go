package session

import (
	"github.com/mbd888/alancoin-agent/pkg/signer"
)

// keyHandle is the mutable per-key state: the signing identity, the
// authority's key ID, and the nonce counter. Owned exclusively by one
// Session; the nonce is read-and-incremented only under the session
// mutex, never exposed raw.
type keyHandle struct {
	identity    *signer.Identity
	serverKeyID string
	nonce       uint64
	parentKeyID string
	depth       int
}

// nextNonce returns the next nonce. Caller must hold the session mutex.
func (k *keyHandle) nextNonce() uint64 {
	k.nonce++
	return k.nonce
}

// destroy zeroes the private key material. The handle is unusable after.
func (k *keyHandle) destroy() {
	if k.identity != nil {
		k.identity.Zero()
	}
}

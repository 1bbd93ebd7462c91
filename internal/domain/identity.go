// Package domain contains the wire-level entities shared by the relay and the
// negotiation engine: identities and the signaling message schema.
package domain

import "github.com/google/uuid"

// Identity names one endpoint connected to the relay. It is minted by the
// relay when the transport is accepted and dies with the connection.
type Identity string

func NewIdentity() Identity {
	return Identity(uuid.NewString())
}

func (id Identity) String() string { return string(id) }

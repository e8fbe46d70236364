// message.go: Verified message contract and the transfer payload codec
package router

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrMalformedEnvelope rejects raw messages too short to carry the
	// origin header.
	ErrMalformedEnvelope = errors.New("router: malformed message envelope")

	// ErrMalformedPayload rejects transfer payloads shorter than the fixed
	// recipient+amount header.
	ErrMalformedPayload = errors.New("router: malformed transfer payload")
)

// VerifiedMessage is what the external verification collaborator hands back
// after checking the authenticity proof: the message's unique digest, its
// claimed origin, and the opaque payload.
type VerifiedMessage struct {
	Digest         common.Hash
	EmitterChainID uint16
	EmitterAddress common.Hash
	Payload        []byte
}

// Verifier parses a raw message and verifies its authenticity proof
// (signature/quorum check over the relay network). Verification failures
// abort admission before any state change.
type Verifier interface {
	Verify(ctx context.Context, raw []byte) (VerifiedMessage, error)
}

// envelope header: emitter chain id (2, big-endian) || emitter address (32)
const envelopeHeaderLen = 2 + common.HashLength

// EnvelopeVerifier is a development verifier for unsigned envelopes. It
// stands in for the relay network's proof checker: it parses the origin
// header and derives the digest as the Keccak-256 of the raw bytes, so
// byte-identical resubmissions map to the same digest.
type EnvelopeVerifier struct{}

func (EnvelopeVerifier) Verify(_ context.Context, raw []byte) (VerifiedMessage, error) {
	if len(raw) < envelopeHeaderLen {
		return VerifiedMessage{}, ErrMalformedEnvelope
	}
	var addr common.Hash
	copy(addr[:], raw[2:envelopeHeaderLen])
	return VerifiedMessage{
		Digest:         crypto.Keccak256Hash(raw),
		EmitterChainID: binary.BigEndian.Uint16(raw[:2]),
		EmitterAddress: addr,
		Payload:        raw[envelopeHeaderLen:],
	}, nil
}

// EncodeEnvelope builds a raw unsigned envelope. Used by tests and the
// development relay path.
func EncodeEnvelope(chainID uint16, emitter common.Hash, payload []byte) []byte {
	raw := make([]byte, envelopeHeaderLen+len(payload))
	binary.BigEndian.PutUint16(raw[:2], chainID)
	copy(raw[2:envelopeHeaderLen], emitter[:])
	copy(raw[envelopeHeaderLen:], payload)
	return raw
}

// transfer payload: recipient (32) || amount (32, big-endian) || extra
const payloadHeaderLen = 2 * common.HashLength

// TransferPayload is the amount-bearing settlement instruction carried by an
// admitted message.
type TransferPayload struct {
	Recipient common.Hash
	Amount    *big.Int
	Extra     []byte
}

// DecodeTransferPayload parses the fixed recipient+amount header.
func DecodeTransferPayload(b []byte) (TransferPayload, error) {
	if len(b) < payloadHeaderLen {
		return TransferPayload{}, ErrMalformedPayload
	}
	var p TransferPayload
	copy(p.Recipient[:], b[:common.HashLength])
	p.Amount = new(big.Int).SetBytes(b[common.HashLength:payloadHeaderLen])
	p.Extra = b[payloadHeaderLen:]
	return p, nil
}

// EncodeTransferPayload is the codec inverse, for tests and relays.
func EncodeTransferPayload(p TransferPayload) []byte {
	b := make([]byte, payloadHeaderLen+len(p.Extra))
	copy(b[:common.HashLength], p.Recipient[:])
	p.Amount.FillBytes(b[common.HashLength:payloadHeaderLen])
	copy(b[payloadHeaderLen:], p.Extra)
	return b
}

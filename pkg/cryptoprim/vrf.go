package cryptoprim

import (
	"crypto/ed25519"
	"fmt"
)

// VRFChallenge is the verifiable-random-function output bound to block
// data. The construction is deliberately simple: the proof is an
// Ed25519 signature over a domain-separated message, and the output is
// a deterministic hash of proof+input.
type VRFChallenge struct {
	VRFInput    []byte
	VRFOutput   []byte
	VRFProof    []byte
	VRFPublicKey ed25519.PublicKey
	UserID      string
	RPID        string
	BlockHeight uint64
	BlockHash   string
}

const vrfDomain = "near-wallet-vrf-v1"
const vrfOutputDomain = "near-wallet-vrf-output-v1"

func vrfMessage(input []byte) []byte {
	h := make([]byte, 0, len(vrfDomain)+len(input))
	h = append(h, []byte(vrfDomain)...)
	h = append(h, input...)
	return SHA256(h)
}

func vrfDeriveOutput(proof, input []byte) []byte {
	buf := make([]byte, 0, len(vrfOutputDomain)+len(proof)+len(input))
	buf = append(buf, []byte(vrfOutputDomain)...)
	buf = append(buf, proof...)
	buf = append(buf, input...)
	return SHA256(buf)
}

// VRFInput assembles the deterministic input bytes from the binding
// data: userId, rpId, blockHeight, blockHash. Same input always produces
// the same challenge for a given VRF key, which is required for the
// WebAuthn ceremony to be replayable against the same authenticator
// state during a single flow.
func VRFInput(userID, rpID string, blockHeight uint64, blockHash string) []byte {
	buf := []byte(fmt.Sprintf("%s|%s|%d|%s", userID, rpID, blockHeight, blockHash))
	return buf
}

// GenerateVRFChallenge produces a VRFChallenge bound to the given
// account/rpId/block data using priv as the VRF signing key.
func GenerateVRFChallenge(priv ed25519.PrivateKey, userID, rpID string, blockHeight uint64, blockHash string) (*VRFChallenge, error) {
	input := VRFInput(userID, rpID, blockHeight, blockHash)
	msg := vrfMessage(input)
	proof := ed25519.Sign(priv, msg)
	output := vrfDeriveOutput(proof, input)

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid VRF private key")
	}

	return &VRFChallenge{
		VRFInput:     input,
		VRFOutput:    output,
		VRFProof:     proof,
		VRFPublicKey: pub,
		UserID:       userID,
		RPID:         rpID,
		BlockHeight:  blockHeight,
		BlockHash:    blockHash,
	}, nil
}

// VerifyVRFChallenge recomputes and checks proof+output against pub.
func VerifyVRFChallenge(pub ed25519.PublicKey, c *VRFChallenge) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid VRF public key size")
	}
	msg := vrfMessage(c.VRFInput)
	if !ed25519.Verify(pub, msg, c.VRFProof) {
		return fmt.Errorf("invalid VRF proof")
	}
	expected := vrfDeriveOutput(c.VRFProof, c.VRFInput)
	if string(expected) != string(c.VRFOutput) {
		return fmt.Errorf("invalid VRF output")
	}
	return nil
}

// WebAuthnChallenge returns the first 32 bytes of vrfOutput, used as
// the actual WebAuthn ceremony challenge.
func WebAuthnChallenge(c *VRFChallenge) []byte {
	if len(c.VRFOutput) < 32 {
		out := make([]byte, 32)
		copy(out, c.VRFOutput)
		return out
	}
	return c.VRFOutput[:32]
}

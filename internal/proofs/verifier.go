package proofs

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier decides whether an execution proof token is genuine. Check must be
// pure and deterministic for identical input.
type Verifier interface {
	Check(token []byte) bool
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(token []byte) bool

// Check implements Verifier.
func (f VerifierFunc) Check(token []byte) bool { return f(token) }

// ContextVerifier is implemented by verifiers that also bind a token to the
// proof it travels with, so a token issued for one agent or nonce cannot be
// replayed under another.
type ContextVerifier interface {
	Verifier
	CheckProof(proof ExecutionProof) bool
}

// CheckProof runs v.CheckProof when v binds tokens to proof context and falls
// back to v.Check(proof.Token) otherwise.
func CheckProof(v Verifier, proof ExecutionProof) bool {
	if v == nil {
		return false
	}
	if cv, ok := v.(ContextVerifier); ok {
		return cv.CheckProof(proof)
	}
	return v.Check(proof.Token)
}

const (
	DefaultProofPrefix    = "zk_"
	DefaultProofMinLength = 10
)

// PrefixVerifier accepts tokens carrying a recognised tag prefix and a minimum
// length. It is a placeholder, not a security guarantee.
type PrefixVerifier struct {
	Prefix    string
	MinLength int
}

// NewPrefixVerifier returns the placeholder policy with its defaults.
func NewPrefixVerifier() PrefixVerifier {
	return PrefixVerifier{Prefix: DefaultProofPrefix, MinLength: DefaultProofMinLength}
}

// Check implements Verifier.
func (v PrefixVerifier) Check(token []byte) bool {
	return bytes.HasPrefix(token, []byte(v.Prefix)) && len(token) >= v.MinLength
}

// AttestationPrefix tags tokens produced by SignAttestation.
const AttestationPrefix = "sig_"

const attestationPayloadLen = common.HashLength + crypto.SignatureLength

// AttestationVerifier accepts tokens of the form sig_0x<digest||signature>
// whose signature recovers to one of the trusted attester addresses.
type AttestationVerifier struct {
	trusted map[common.Address]struct{}
}

// NewAttestationVerifier parses hex attester addresses.
func NewAttestationVerifier(attesters ...string) (*AttestationVerifier, error) {
	trusted := make(map[common.Address]struct{}, len(attesters))
	for _, raw := range attesters {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid attester address %q", raw)
		}
		trusted[common.HexToAddress(raw)] = struct{}{}
	}
	if len(trusted) == 0 {
		return nil, fmt.Errorf("attestation verifier requires at least one attester")
	}
	return &AttestationVerifier{trusted: trusted}, nil
}

// Check implements Verifier. It only proves that a trusted attester signed the
// embedded digest; the digest itself is not tied to any agent or job. Use
// CheckProof to reject tokens replayed under a different proof.
func (v *AttestationVerifier) Check(token []byte) bool {
	_, ok := v.signedDigest(token)
	return ok
}

// CheckProof implements ContextVerifier: the signed digest must equal
// AttestationDigest of the proof's agent, model hash and nonce.
func (v *AttestationVerifier) CheckProof(proof ExecutionProof) bool {
	digest, ok := v.signedDigest(proof.Token)
	if !ok {
		return false
	}
	return bytes.Equal(digest, AttestationDigest(proof.AgentID, proof.ModelHash, proof.Nonce))
}

func (v *AttestationVerifier) signedDigest(token []byte) ([]byte, bool) {
	if v == nil || !bytes.HasPrefix(token, []byte(AttestationPrefix)) {
		return nil, false
	}
	payload, err := hexutil.Decode(string(token[len(AttestationPrefix):]))
	if err != nil || len(payload) != attestationPayloadLen {
		return nil, false
	}
	digest, sig := payload[:common.HashLength], payload[common.HashLength:]
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, false
	}
	if _, ok := v.trusted[crypto.PubkeyToAddress(*pub)]; !ok {
		return nil, false
	}
	return digest, true
}

// SignAttestation signs keccak256(payload) and encodes it as an attestation token.
func SignAttestation(key *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	encoded := hexutil.Encode(append(digest, sig...))
	return []byte(AttestationPrefix + encoded), nil
}

// AttestProof signs an attestation bound to the given agent, model hash and nonce.
func AttestProof(key *ecdsa.PrivateKey, agentID, modelHash string, nonce uint32) ([]byte, error) {
	return SignAttestation(key, attestationPayload(agentID, modelHash, nonce))
}

// AttestationDigest is keccak256(agentID || 0x00 || modelHash || 0x00 || nonce).
func AttestationDigest(agentID, modelHash string, nonce uint32) []byte {
	return crypto.Keccak256(attestationPayload(agentID, modelHash, nonce))
}

func attestationPayload(agentID, modelHash string, nonce uint32) []byte {
	buf := make([]byte, 0, len(agentID)+len(modelHash)+6)
	buf = append(buf, agentID...)
	buf = append(buf, 0)
	buf = append(buf, modelHash...)
	buf = append(buf, 0)
	return binary.BigEndian.AppendUint32(buf, nonce)
}

// All accepts a token only when every verifier accepts it. An empty set rejects.
func All(verifiers ...Verifier) ContextVerifier {
	return composite{verifiers: verifiers, all: true}
}

// Any accepts a token when at least one verifier accepts it.
func Any(verifiers ...Verifier) ContextVerifier {
	return composite{verifiers: verifiers}
}

type composite struct {
	verifiers []Verifier
	all       bool
}

func (c composite) Check(token []byte) bool {
	return c.eval(func(v Verifier) bool { return v.Check(token) })
}

func (c composite) CheckProof(proof ExecutionProof) bool {
	return c.eval(func(v Verifier) bool { return CheckProof(v, proof) })
}

func (c composite) eval(accept func(Verifier) bool) bool {
	if c.all {
		if len(c.verifiers) == 0 {
			return false
		}
		for _, v := range c.verifiers {
			if v == nil || !accept(v) {
				return false
			}
		}
		return true
	}
	for _, v := range c.verifiers {
		if v != nil && accept(v) {
			return true
		}
	}
	return false
}

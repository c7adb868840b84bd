// Package proofs models the execution proofs agents attach to job claims and
// the pluggable verifiers that decide whether a proof token is genuine. The
// default verifier is a format-only placeholder; AttestationVerifier checks
// secp256k1 signatures from trusted attesters.
package proofs

package cryptoprim

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BorshWriter accumulates borsh-encoded bytes for the limited set of
// NEAR wire types this module needs: transactions, actions, and NEP-413
// payloads. Hand-written and scoped to exactly those shapes rather than
// a general-purpose borsh codec.
type BorshWriter struct {
	buf bytes.Buffer
}

func NewBorshWriter() *BorshWriter { return &BorshWriter{} }

func (w *BorshWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *BorshWriter) WriteU8(v uint8) { w.buf.WriteByte(v) }

func (w *BorshWriter) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *BorshWriter) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *BorshWriter) WriteU128(v [16]byte) {
	w.buf.Write(v[:])
}

// WriteString writes a u32 length prefix followed by the raw UTF-8 bytes.
func (w *BorshWriter) WriteString(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteFixedBytes writes raw bytes with no length prefix (for fixed-size
// fields like a 32-byte public key or block hash).
func (w *BorshWriter) WriteFixedBytes(b []byte) {
	w.buf.Write(b)
}

// WriteBytes writes a u32 length prefix followed by raw bytes (for
// variable-length byte vectors like borsh Vec<u8>).
func (w *BorshWriter) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf.Write(b)
}

// U128FromDecimal parses a base-10 yoctoNEAR amount string into borsh's
// little-endian u128 representation.
func U128FromDecimal(s string) ([16]byte, error) {
	var out [16]byte
	if s == "" {
		s = "0"
	}
	digits := []byte(s)
	for _, d := range digits {
		if d < '0' || d > '9' {
			return out, fmt.Errorf("invalid decimal amount %q", s)
		}
	}
	// repeated divide-by-256 on a big-endian decimal byte buffer
	work := make([]byte, len(digits))
	copy(work, digits)
	for i := range work {
		work[i] -= '0'
	}
	for i := 0; i < 16 && !allZero(work); i++ {
		rem := 0
		for j := 0; j < len(work); j++ {
			cur := rem*10 + int(work[j])
			work[j] = byte(cur / 256)
			rem = cur % 256
		}
		out[i] = byte(rem)
	}
	return out, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ActionKind mirrors the subset of NEAR action enum variants this
// module builds transactions with.
type ActionKind uint8

const (
	ActionCreateAccount ActionKind = 0
	ActionFunctionCall  ActionKind = 2
	ActionTransfer      ActionKind = 3
)

// Action is one entry in a transaction's ordered action list.
type Action struct {
	Kind        ActionKind
	MethodName  string // FunctionCall only
	Args        []byte // FunctionCall only
	Gas         uint64 // FunctionCall only
	DepositYocto string // FunctionCall/Transfer, base-10 string
}

func (w *BorshWriter) writeAction(a Action) error {
	w.WriteU8(uint8(a.Kind))
	switch a.Kind {
	case ActionTransfer:
		amt, err := U128FromDecimal(a.DepositYocto)
		if err != nil {
			return fmt.Errorf("transfer amount: %w", err)
		}
		w.WriteU128(amt)
	case ActionFunctionCall:
		w.WriteString(a.MethodName)
		w.WriteBytes(a.Args)
		w.WriteU64(a.Gas)
		amt, err := U128FromDecimal(a.DepositYocto)
		if err != nil {
			return fmt.Errorf("function call deposit: %w", err)
		}
		w.WriteU128(amt)
	default:
		return fmt.Errorf("unsupported action kind %d", a.Kind)
	}
	return nil
}

// Transaction is the borsh-encodable subset of a NEAR SignedTransaction
// body (everything before the signature): signerId, publicKey, nonce,
// receiverId, blockHash, actions in order.
type Transaction struct {
	SignerID   string
	PublicKey  [32]byte // ed25519 public key bytes, KeyType::ED25519 implied
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// EncodeTransaction borsh-encodes a Transaction for Ed25519 signing.
func EncodeTransaction(tx Transaction) ([]byte, error) {
	w := NewBorshWriter()
	w.WriteString(tx.SignerID)
	w.WriteU8(0) // KeyType::ED25519
	w.WriteFixedBytes(tx.PublicKey[:])
	w.WriteU64(tx.Nonce)
	w.WriteString(tx.ReceiverID)
	w.WriteFixedBytes(tx.BlockHash[:])
	w.WriteU32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		if err := w.writeAction(a); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// NEP413Payload is the {message, recipient, nonce, state} structure
// NEP-413 message signing borsh-encodes before hashing and signing.
type NEP413Payload struct {
	Message   string
	Recipient string
	Nonce     [32]byte
	State     *string
}

// NEP413Prefix is prepended (as a little-endian u32) before the
// payload's borsh bytes, per the NEP-413 standard's fixed prefix byte
// convention (2^31 + 413).
const NEP413Prefix uint32 = (1 << 31) + 413

// EncodeNEP413 borsh-encodes the NEP-413 payload with its prefix.
func EncodeNEP413(p NEP413Payload) []byte {
	w := NewBorshWriter()
	w.WriteU32(NEP413Prefix)
	w.WriteString(p.Message)
	w.WriteString(p.Recipient)
	w.WriteFixedBytes(p.Nonce[:])
	if p.State != nil {
		w.WriteU8(1)
		w.WriteString(*p.State)
	} else {
		w.WriteU8(0)
	}
	return w.Bytes()
}

package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU128FromDecimal(t *testing.T) {
	out, err := U128FromDecimal("1000000000000000000000000")
	require.NoError(t, err)
	// little-endian 1e24 fits well within 16 bytes; 1e24 is a multiple of
	// 256, so the low byte is zero.
	assert.Equal(t, byte(0), out[0])
}

func TestEncodeTransactionDeterministic(t *testing.T) {
	tx := Transaction{
		SignerID:   "alice.testnet",
		Nonce:      7,
		ReceiverID: "bob.testnet",
		Actions: []Action{
			{Kind: ActionTransfer, DepositYocto: "1000000000000000000000000"},
		},
	}

	b1, err := EncodeTransaction(tx)
	require.NoError(t, err)
	b2, err := EncodeTransaction(tx)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.NotEmpty(t, b1)
}

func TestEncodeNEP413IncludesPrefix(t *testing.T) {
	payload := NEP413Payload{Message: "hello", Recipient: "bob.testnet"}
	encoded := EncodeNEP413(payload)
	assert.Equal(t, byte(413&0xff), encoded[0])
}

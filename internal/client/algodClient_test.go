package client

import (
	"context"
	"testing"

	"token-delivery-service/internal/credential"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() *TxnParams {
	return &TxnParams{
		MinFee:      1000,
		FirstValid:  100,
		LastValid:   1100,
		GenesisID:   "testnet-v1.0",
		GenesisHash: make([]byte, 32),
	}
}

func TestEncodeMethodArgs(t *testing.T) {
	recipient := credential.Generate("recipient")

	args, err := encodeMethodArgs(
		"arc59_sendAsset(axfer,address,uint64)address",
		[]interface{}{recipient.Address(), uint64(5000)},
	)
	require.NoError(t, err)
	require.Len(t, args, 3)

	method, err := abi.MethodFromSignature("arc59_sendAsset(axfer,address,uint64)address")
	require.NoError(t, err)
	assert.Equal(t, method.GetSelector(), args[0])

	pk, err := AddressPublicKey(recipient.Address())
	require.NoError(t, err)
	assert.Equal(t, pk, args[1])
	assert.Len(t, args[2], 8)
}

func TestInspectSignedGroup_AppCallArgs(t *testing.T) {
	c := &algodClientImpl{}
	wallet := credential.Generate("wallet")

	signed, err := c.SignGroup(context.Background(), testParams(), []Txn{
		{Kind: TxnAppCall, Sender: wallet.Address(), AppID: 9, Method: "arc59_claim(uint64)void", Args: []interface{}{uint64(5)}, Fee: 1000},
	}, wallet)
	require.NoError(t, err)

	infos, err := c.InspectSignedGroup(signed.Blobs)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	want, err := EncodeMethodCall("arc59_claim(uint64)void", uint64(5))
	require.NoError(t, err)
	assert.Equal(t, want[0], infos[0].Selector)
	assert.Equal(t, want[1:], infos[0].Args)
	assert.Len(t, infos[0].Selector, 4)
}

func TestEncodeMethodArgs_Errors(t *testing.T) {
	_, err := encodeMethodArgs("arc59_getInbox(address)address", nil)
	assert.Error(t, err)

	_, err = encodeMethodArgs("arc59_getInbox(address)address", []interface{}{"not-an-address"})
	assert.Error(t, err)

	_, err = encodeMethodArgs("arc59_claim(uint64)void", []interface{}{uint64(1), uint64(2)})
	assert.Error(t, err)

	_, err = encodeMethodArgs("legacy(account)void", []interface{}{"x"})
	assert.Error(t, err)
}

func TestDecodeReturn(t *testing.T) {
	typ, err := abi.TypeOf("(uint64,uint64,bool,bool,uint64,uint64)")
	require.NoError(t, err)
	enc, err := typ.Encode([]interface{}{uint64(2), uint64(100_000), true, false, uint64(0), uint64(100_000)})
	require.NoError(t, err)

	value, err := decodeReturn(
		"arc59_getSendAssetInfo(address,uint64)(uint64,uint64,bool,bool,uint64,uint64)",
		[][]byte{[]byte("noise"), append(append([]byte{}, abiReturnPrefix...), enc...)},
	)
	require.NoError(t, err)

	tuple, ok := value.([]interface{})
	require.True(t, ok)
	require.Len(t, tuple, 6)
	assert.Equal(t, uint64(2), toUint64(tuple[0]))
	assert.Equal(t, true, tuple[2])

	_, err = decodeReturn("arc59_getInbox(address)address", [][]byte{[]byte("no prefix")})
	assert.Error(t, err)

	value, err = decodeReturn("arc59_claim(uint64)void", nil)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestDecodeReturn_Address(t *testing.T) {
	inbox := credential.Generate("inbox")
	pk, err := AddressPublicKey(inbox.Address())
	require.NoError(t, err)

	value, err := decodeReturn("arc59_getInbox(address)address", [][]byte{append(append([]byte{}, abiReturnPrefix...), pk...)})
	require.NoError(t, err)
	assert.Equal(t, inbox.Address(), value)
}

func TestSignGroup_SharesGroupID(t *testing.T) {
	ctx := context.Background()
	c := &algodClientImpl{}

	op := credential.Generate("operator")
	recipient := credential.Generate("recipient")

	signed, err := c.SignGroup(ctx, testParams(), []Txn{
		{Kind: TxnPayment, Sender: op.Address(), Receiver: recipient.Address(), Amount: 1000, Fee: 1000},
		{Kind: TxnAssetTransfer, Sender: op.Address(), Receiver: recipient.Address(), AssetID: 5, Amount: 3, Fee: 1000},
	}, op)
	require.NoError(t, err)
	require.Len(t, signed.Blobs, 2)
	assert.Equal(t, uint64(1100), signed.LastValid)

	infos, err := c.InspectSignedGroup(signed.Blobs)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, infos[0].Group, infos[1].Group)
	assert.Equal(t, signed.TxIDs[1], infos[1].TxID)
	assert.Equal(t, TxnAssetTransfer, infos[1].Kind)
	assert.Equal(t, uint64(5), infos[1].AssetID)
	assert.Equal(t, recipient.Address(), infos[1].Receiver)
	assert.Equal(t, uint64(3), infos[1].Amount)
	for _, info := range infos {
		assert.True(t, info.Signed)
		assert.Equal(t, op.Address(), info.Sender)
	}
}

func TestSignGroup_MissingSigner(t *testing.T) {
	c := &algodClientImpl{}
	op := credential.Generate("operator")
	other := credential.Generate("other")

	_, err := c.SignGroup(context.Background(), testParams(), []Txn{
		{Kind: TxnPayment, Sender: op.Address(), Receiver: op.Address(), Fee: 1000},
	}, other)
	assert.Error(t, err)
}

func TestEncodeGroup_Unsigned(t *testing.T) {
	c := &algodClientImpl{}
	op := credential.Generate("operator")

	group, err := c.EncodeGroup(context.Background(), testParams(), []Txn{
		{Kind: TxnAssetTransfer, Sender: op.Address(), Receiver: op.Address(), AssetID: 5, Fee: 1000},
	})
	require.NoError(t, err)
	require.Len(t, group.TxIDs, 1)
	assert.NotEmpty(t, group.TxIDs[0])
	assert.NotEmpty(t, group.Blobs[0])
}

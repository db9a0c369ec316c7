package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/credential"
	"token-delivery-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendRequest(reference string, recipient *credential.Credential, amount uint64) DeliveryRequest {
	return DeliveryRequest{Reference: reference, Recipient: recipient.Address(), Amount: amount}
}

func lastGroup(t *testing.T, chain *client.FakeChainClient) []client.Txn {
	t.Helper()
	groups := chain.Submitted()
	require.NotEmpty(t, groups)
	return groups[len(groups)-1]
}

func TestInbox_SendFeeScalesWithInnerTransactions(t *testing.T) {
	for _, k := range []uint64{0, 1, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			wallet := env.unregisteredWallet()
			env.chain.ExtraTxnCount[wallet.Address()] = k

			result := env.inbox.SendAsset(ctx, sendRequest("fee", wallet, 1_000), nil)
			require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

			group := lastGroup(t, env.chain)
			send := group[len(group)-1]
			assert.Equal(t, client.TxnAppCall, send.Kind)
			assert.Equal(t, methodSendAsset, send.Method)
			assert.Equal(t, 1000*(1+k), send.Fee)
		})
	}
}

func TestInbox_FirstSendComposesFullGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.unregisteredWallet()
	router := env.inbox.RouterAddress()

	result := env.inbox.SendAsset(ctx, sendRequest("first", wallet, 2_000), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)
	assert.Equal(t, model.MethodInbox, result.Method)

	group := lastGroup(t, env.chain)
	require.Len(t, group, 5)

	assert.Equal(t, client.TxnPayment, group[0].Kind)
	assert.Equal(t, router, group[0].Receiver)
	assert.Equal(t, uint64(routerOptInMBR), group[0].Amount)

	assert.Equal(t, methodOptRouterIn, group[1].Method)
	assert.Equal(t, uint64(2000), group[1].Fee)

	assert.Equal(t, client.TxnPayment, group[2].Kind)
	assert.Equal(t, uint64(worstCaseMBR), group[2].Amount, "a new inbox costs exactly the worst case")

	assert.Equal(t, client.TxnAssetTransfer, group[3].Kind)
	assert.Equal(t, router, group[3].Receiver)
	assert.Equal(t, uint64(2_000), group[3].Amount)

	send := group[4]
	assert.Equal(t, []uint64{testAssetID}, send.ForeignAssets)
	assert.Contains(t, send.Accounts, wallet.Address())
	require.Len(t, send.Boxes, 1)
	assert.Equal(t, uint64(testRouterAppID), send.Boxes[0].AppID)
	pk, err := client.AddressPublicKey(wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, pk, send.Boxes[0].Name)

	assert.Equal(t, uint64(2_000), env.chain.InboxBalance(wallet.Address()))
	assert.True(t, env.memo.RouterRegistered(ctx, testRouterAppID, testAssetID))
}

func TestInbox_SecondSendSkipsOptInAndFunding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.unregisteredWallet()

	require.Equal(t, OutcomeConfirmed, env.inbox.SendAsset(ctx, sendRequest("a", wallet, 10), nil).Outcome)
	result := env.inbox.SendAsset(ctx, sendRequest("b", wallet, 15), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

	group := lastGroup(t, env.chain)
	require.Len(t, group, 2)
	assert.Equal(t, client.TxnAssetTransfer, group[0].Kind)
	assert.Equal(t, methodSendAsset, group[1].Method)
	assert.Contains(t, group[1].Accounts, env.chain.InboxAddress(wallet.Address()))

	assert.Equal(t, uint64(25), env.chain.InboxBalance(wallet.Address()))
}

func TestInbox_FundingIsExact(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.unregisteredWallet()
	env.chain.ClaimFunding[wallet.Address()] = 50_000
	before := env.chain.Balance(wallet.Address())

	info, err := env.inbox.GetSendInfo(ctx, wallet.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(worstCaseMBR+50_000), info.Funding())
	assert.False(t, info.IsRecipientRegistered)
	assert.Empty(t, info.InboxAddress)

	require.Equal(t, OutcomeConfirmed, env.inbox.SendAsset(ctx, sendRequest("fund", wallet, 1), nil).Outcome)

	group := lastGroup(t, env.chain)
	assert.Equal(t, uint64(worstCaseMBR+50_000), group[2].Amount)
	assert.Equal(t, uint64(50_000), group[len(group)-1].Args[1])
	assert.Equal(t, before+50_000, env.chain.Balance(wallet.Address()))
}

func TestInbox_GroupIsAtomic(t *testing.T) {
	for failAt := 0; failAt < 5; failAt++ {
		t.Run(fmt.Sprintf("op=%d", failAt), func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			wallet := env.unregisteredWallet()
			router := env.inbox.RouterAddress()

			routerBefore := env.chain.Balance(router)
			operatorAlgo := env.chain.Balance(env.operator.Address())
			operatorAsset := env.chain.AssetBalance(env.operator.Address())

			env.chain.FailOp = func(i int, _ client.Txn) error {
				if i == failAt {
					return errors.New("injected")
				}
				return nil
			}

			result := env.inbox.SendAsset(ctx, sendRequest("atomic", wallet, 500), nil)
			assert.Equal(t, OutcomeFailed, result.Outcome)
			assert.True(t, result.Broadcast)

			assert.Empty(t, env.chain.Submitted())
			assert.Equal(t, routerBefore, env.chain.Balance(router))
			assert.Equal(t, operatorAlgo, env.chain.Balance(env.operator.Address()))
			assert.Equal(t, operatorAsset, env.chain.AssetBalance(env.operator.Address()))
			assert.Empty(t, env.chain.InboxAddress(wallet.Address()))
			assert.False(t, env.memo.RouterRegistered(ctx, testRouterAppID, testAssetID))
		})
	}
}

func TestInbox_FallbackUsesWorstCase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.unregisteredWallet()
	env.chain.SimulateErr = errors.New("simulate endpoint unavailable")

	info := env.inbox.QuerySendInfo(ctx, wallet.Address())
	assert.True(t, info.Fallback)
	assert.Equal(t, uint64(worstCaseTxnCount), info.ExtraTxnCount)
	assert.Equal(t, uint64(worstCaseMBR), info.MinBalanceRequired)
	assert.False(t, info.IsRouterRegistered)

	result := env.inbox.SendAsset(ctx, sendRequest("fallback", wallet, 100), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

	group := lastGroup(t, env.chain)
	require.Len(t, group, 5)
	assert.Equal(t, uint64(1000*(1+worstCaseTxnCount)), group[4].Fee)
}

func TestInbox_FallbackTrustsRouterMemo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first := env.unregisteredWallet()
	require.Equal(t, OutcomeConfirmed, env.inbox.SendAsset(ctx, sendRequest("a", first, 1), nil).Outcome)

	env.chain.SimulateErr = errors.New("simulate endpoint unavailable")
	second := env.unregisteredWallet()
	result := env.inbox.SendAsset(ctx, sendRequest("b", second, 1), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

	group := lastGroup(t, env.chain)
	require.Len(t, group, 3, "router registration is not repeated once remembered")
	assert.Equal(t, client.TxnPayment, group[0].Kind)
	assert.Equal(t, uint64(worstCaseMBR), group[0].Amount)
}

func TestInbox_UnfreezesRouterHolding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.Equal(t, OutcomeConfirmed, env.inbox.SendAsset(ctx, sendRequest("a", env.unregisteredWallet(), 1), nil).Outcome)
	env.chain.SetFrozen(env.inbox.RouterAddress(), true)

	result := env.inbox.SendAsset(ctx, sendRequest("b", env.unregisteredWallet(), 1), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

	signers := env.chain.Signers()
	require.Len(t, signers, 3)
	assert.Equal(t, []string{env.freezer.Address()}, signers[1])
}

func TestInbox_HookCanAbort(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var seenTx string
	hook := func(_ context.Context, method model.TransferMethod, txID string, firstValid, lastValid uint64) (bool, error) {
		assert.Equal(t, model.MethodInbox, method)
		assert.NotZero(t, firstValid)
		assert.Greater(t, lastValid, firstValid)
		seenTx = txID
		return false, nil
	}

	result := env.inbox.SendAsset(ctx, sendRequest("lease", env.unregisteredWallet(), 1), hook)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.False(t, result.Broadcast)
	assert.Equal(t, seenTx, result.TxID)
	assert.Empty(t, env.chain.Submitted())
}

func TestStrategy_RoutesByRegistration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	registered := env.registeredWallet()
	result := env.strategy.Deliver(ctx, sendRequest("direct", registered, 10), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)
	assert.Equal(t, model.MethodDirect, result.Method)
	assert.Len(t, lastGroup(t, env.chain), 1)

	unregistered := env.unregisteredWallet()
	result = env.strategy.Deliver(ctx, sendRequest("inbox", unregistered, 10), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)
	assert.Equal(t, model.MethodInbox, result.Method)
}

func TestStrategy_UnfreezesRecipient(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.registeredWallet()
	env.chain.SetFrozen(wallet.Address(), true)

	result := env.strategy.Deliver(ctx, sendRequest("frozen", wallet, 10), nil)
	require.Equal(t, OutcomeConfirmed, result.Outcome, result.Reason)

	signers := env.chain.Signers()
	require.Len(t, signers, 2)
	assert.Equal(t, []string{env.freezer.Address()}, signers[0])
	assert.Equal(t, []string{env.operator.Address()}, signers[1])
	assert.Equal(t, uint64(10), env.chain.AssetBalance(wallet.Address()))
}

func TestStrategy_DefersWhenUnfreezeFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wallet := env.registeredWallet()
	env.chain.SetFrozen(wallet.Address(), true)
	env.chain.FailOp = func(_ int, txn client.Txn) error {
		if txn.Kind == client.TxnAssetFreeze {
			return errors.New("not the freeze address")
		}
		return nil
	}

	result := env.strategy.Deliver(ctx, sendRequest("frozen", wallet, 10), nil)
	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.Contains(t, result.Reason, "frozen")
	assert.Empty(t, env.chain.Submitted())
}

func TestParseSendAssetInfo(t *testing.T) {
	info, err := parseSendAssetInfo([]interface{}{
		big.NewInt(3), uint64(128_100), true, false, uint64(0), big.NewInt(100_000),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.ExtraTxnCount)
	assert.Equal(t, uint64(128_100), info.MinBalanceRequired)
	assert.True(t, info.IsRouterRegistered)
	assert.False(t, info.IsRecipientRegistered)

	_, err = parseSendAssetInfo([]interface{}{uint64(1)})
	assert.Error(t, err)

	_, err = parseSendAssetInfo([]interface{}{"x", uint64(0), true, true, uint64(0), uint64(0)})
	assert.Error(t, err)

	_, err = parseSendAssetInfo([]interface{}{new(big.Int).Lsh(big.NewInt(1), 70), uint64(0), true, true, uint64(0), uint64(0)})
	assert.Error(t, err)
}

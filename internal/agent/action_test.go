package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ShopAssist/internal/confirm"
	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/llm"
)

func (h *harness) act(action, sku string) (*Response, error) {
	return h.orchestrator.Act(context.Background(), ActionRequest{ConversationID: "c-1", UserID: "user-0042", Action: action, SKU: sku})
}

func TestPurchaseButtonWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, func(int, llm.Request) (*llm.Response, error) { return text("Your order is on its way."), nil })

	resp, err := h.act(conversation.ActionPurchase, "S1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, resp.Status)
	require.NotNil(t, resp.Confirmation)
	assert.Equal(t, "SKU S1", resp.Confirmation.Target)
	assert.Zero(t, h.purchases.Load())
	assert.Zero(t, h.model.calls())

	resp, err = h.resume(confirm.DecisionConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, int32(1), h.purchases.Load())
	assert.Equal(t, conversation.SourceAction, resp.Payload.Source)
	require.Len(t, resp.Payload.Actions, 1)
	assert.Equal(t, "ORD-S1-0042", resp.Payload.Actions[0].OrderNumber)

	// 模型看到的是一次普通的用户请求与工具调用。
	msgs := h.model.request(1).Messages
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, llm.RoleTool, msgs[len(msgs)-1].Role)
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHarness(t, func(int, llm.Request) (*llm.Response, error) { return text("unused"), nil })

	_, err := h.act("teleport", "S1")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = h.act(conversation.ActionPurchase, " ")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, found, err := h.checkpoint.Load(context.Background(), "c-1", "user-0042")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestActionBlockedWhilePurchasePending(t *testing.T) {
	h := newHarness(t, purchaseScript)
	_, err := h.turn(t, "buy the sony ones")
	require.NoError(t, err)

	_, err = h.act(conversation.ActionPurchase, "S1")
	assert.True(t, xerrors.HasCode(err, confirm.CodeConfirmationPending))
	assert.Zero(t, h.purchases.Load())
}

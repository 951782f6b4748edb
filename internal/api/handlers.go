package api

import (
	"encoding/json"
	"net/http"
	"time"

	"ShopAssist/internal/account"
	"ShopAssist/internal/agent"
	"ShopAssist/internal/auth"
	"ShopAssist/internal/catalog"
	"ShopAssist/internal/confirm"
	"ShopAssist/internal/conversation"
	xerrors "ShopAssist/internal/errors"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type actionRequest struct {
	Action string `json:"action"`
	SKU    string `json:"sku"`
}

type confirmationRequest struct {
	Decision string `json:"decision"`
}

type confirmationView struct {
	TicketID  string          `json:"ticket_id"`
	Action    string          `json:"action"`
	Tool      string          `json:"tool"`
	Target    string          `json:"target"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type chatResponse struct {
	ConversationID string                       `json:"conversation_id"`
	Status         agent.Status                 `json:"status"`
	Message        string                       `json:"message"`
	Source         conversation.Source          `json:"source"`
	Products       []catalog.Product            `json:"products"`
	Account        *account.Account             `json:"account,omitempty"`
	Orders         []account.Order              `json:"orders,omitempty"`
	Web            []conversation.WebResult     `json:"web,omitempty"`
	Actions        []conversation.ActionPayload `json:"actions,omitempty"`
	Warning        string                       `json:"warning,omitempty"`
	Confirmation   *confirmationView            `json:"confirmation,omitempty"`
}

type conversationResponse struct {
	ConversationID string                       `json:"conversation_id"`
	Source         conversation.Source          `json:"source"`
	Products       []catalog.Product            `json:"products"`
	Account        *account.Account             `json:"account,omitempty"`
	Orders         []account.Order              `json:"orders,omitempty"`
	Web            []conversation.WebResult     `json:"web,omitempty"`
	Actions        []conversation.ActionPayload `json:"actions,omitempty"`
	Confirmation   *confirmationView            `json:"confirmation,omitempty"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

func viewTicket(t *conversation.Ticket) *confirmationView {
	if t == nil {
		return nil
	}
	return &confirmationView{
		TicketID:  t.ID,
		Action:    t.Action,
		Tool:      t.Tool,
		Target:    t.Target,
		Arguments: t.Arguments,
		ExpiresAt: t.ExpiresAt,
	}
}

func toChatResponse(resp *agent.Response) chatResponse {
	products := resp.Payload.Results
	if products == nil {
		products = []catalog.Product{}
	}
	return chatResponse{
		ConversationID: resp.ConversationID,
		Status:         resp.Status,
		Message:        resp.Message,
		Source:         resp.Payload.Source,
		Products:       products,
		Account:        resp.Payload.Account,
		Orders:         resp.Payload.Orders,
		Web:            resp.Payload.Web,
		Actions:        resp.Payload.Actions,
		Warning:        resp.Warning,
		Confirmation:   viewTicket(resp.Confirmation),
	}
}

// handleChat 处理一次用户发言。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	acc := auth.AccountFromContext(r.Context())
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	resp, err := s.orchestrator.RunTurn(r.Context(), agent.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         acc.UserID,
		Message:        req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// handleConfirmation 处理对待确认操作的答复。
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	acc := auth.AccountFromContext(r.Context())
	var req confirmationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	decision, err := confirm.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.orchestrator.Resume(r.Context(), agent.ResumeRequest{
		ConversationID: r.PathValue("id"),
		UserID:         acc.UserID,
		Decision:       decision,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// handleAction 处理界面上直接发起的商品操作，购买仍需确认。
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	acc := auth.AccountFromContext(r.Context())
	var req actionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return
	}
	resp, err := s.orchestrator.Act(r.Context(), agent.ActionRequest{
		ConversationID: r.PathValue("id"),
		UserID:         acc.UserID,
		Action:         req.Action,
		SKU:            req.SKU,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// handleConversation 返回会话的待确认操作与最近一次结果。
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	acc := auth.AccountFromContext(r.Context())
	snap, err := s.orchestrator.Conversation(r.Context(), r.PathValue("id"), acc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	products := snap.Last.Results
	if products == nil {
		products = []catalog.Product{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		ConversationID: snap.ConversationID,
		Source:         snap.Last.Source,
		Products:       products,
		Account:        snap.Last.Account,
		Orders:         snap.Last.Orders,
		Web:            snap.Last.Web,
		Actions:        snap.Last.Actions,
		Confirmation:   viewTicket(snap.Pending),
		UpdatedAt:      snap.UpdatedAt,
	})
}

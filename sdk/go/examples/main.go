package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ShopAssist/sdk/go/shopassist"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(shopassist.ChatResponse{
			ConversationID: "conv-demo",
			Status:         shopassist.StatusAwaitingConfirmation,
			Message:        "I can order the Sony WH-1000XM5 for you. Shall I go ahead?",
			Source:         "products",
			Confirmation: &shopassist.Confirmation{
				TicketID:  "ticket-demo",
				Action:    "purchase",
				Tool:      "purchase_product",
				Target:    "6505727",
				ExpiresAt: time.Now().Add(15 * time.Minute).UTC(),
			},
		})
	})
	mux.HandleFunc("/api/v1/conversations/conv-demo/confirmation", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(shopassist.ChatResponse{
			ConversationID: "conv-demo",
			Status:         shopassist.StatusCompleted,
			Message:        "Your order has been placed.",
			Source:         "action",
			Actions: []shopassist.Action{{
				Action:      "purchase",
				SKU:         "6505727",
				Status:      "completed",
				OrderNumber: "ORD-6505727-1234",
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := shopassist.NewClient(srv.URL, "user-001234", srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Chat(ctx, "", "Buy the Sony headphones")
	if err != nil {
		panic(err)
	}
	fmt.Printf("assistant: %s (status=%s)\n", resp.Message, resp.Status)

	if resp.AwaitingConfirmation() {
		fmt.Printf("confirming %s on %s\n", resp.Confirmation.Action, resp.Confirmation.Target)
		resp, err = client.Confirm(ctx, resp.ConversationID, shopassist.Confirmed)
		if err != nil {
			panic(err)
		}
	}
	for _, action := range resp.Actions {
		fmt.Printf("%s %s: %s %s\n", action.Action, action.SKU, action.Status, action.OrderNumber)
	}
}

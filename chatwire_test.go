package chatwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_AttachesBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"ok":true,"data":[]}`)
	}))
	defer srv.Close()

	client := NewClient("secret-token", WithBaseURL(srv.URL))
	if _, err := client.Conversations().List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer header, got %q", auth)
	}
}

func TestClient_MissingTokenFailsBeforeNetwork(t *testing.T) {
	client := NewClient("", WithBaseURL("http://127.0.0.1:1"))
	_, err := client.Conversations().List(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestClient_UnauthorizedBecomesAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"token expired"}}`)
	}))
	defer srv.Close()

	client := NewClient("stale", WithBaseURL(srv.URL))
	_, err := client.Conversations().List(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if ae.Reason != "token expired" {
		t.Fatalf("expected server reason carried through, got %q", ae.Reason)
	}
}

func TestClient_RejectionCarriesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error":{"code":"INVALID_PAYLOAD","message":"payload required"}}`)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Messages().Send(context.Background(), "c1",
		Draft{Payload: Payload{Kind: PayloadText, Text: "x"}})
	var rej *ServerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected ServerRejection, got %v", err)
	}
	if rej.Status != http.StatusBadRequest || rej.API == nil || rej.API.Code != "INVALID_PAYLOAD" {
		t.Fatalf("unexpected rejection %+v", rej)
	}
}

func TestClient_TransportFailureBecomesNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	_, err := client.Conversations().List(context.Background())
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestMessagesAPI_SendValidatesDraft(t *testing.T) {
	client := NewClient("tok")
	_, err := client.Messages().Send(context.Background(), "c1", Draft{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestGroupsAPI_ChangeRoleRefusesCreator(t *testing.T) {
	client := NewClient("tok")
	err := client.Groups().ChangeRole(context.Background(), "g1", "bob", RoleCreator)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAPIResult_Decode(t *testing.T) {
	res := &APIResult{OK: true, Data: json.RawMessage(`{"id":"m1"}`)}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != "m1" {
		t.Fatalf("expected m1, got %q", msg.ID)
	}
}

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/transfa/portfolio-service/internal/ledger"
)

func TestStreamHandlerDeliversEvents(t *testing.T) {
	stub := &serviceStub{events: make(chan ledger.Event, 1)}
	server := httptest.NewServer(newTestRouter(stub))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/portfolio/ws?access_token=" + aliceToken(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	stub.events <- ledger.Event{
		IdentityID: "user-alice",
		Notice:     &ledger.Notice{Level: ledger.NoticeSuccess, Title: "Deposit", Message: "$10.00 added to your wallet."},
		At:         time.Now(),
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ledger.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Notice == nil || got.Notice.Title != "Deposit" {
		t.Fatalf("unexpected event %+v", got)
	}

	close(stub.events)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close after the stream ended, got %v", err)
	}
}

func TestStreamHandlerChecksOrigin(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		wantUpgrade bool
	}{
		{name: "configured origin", origin: "https://app.example.com", wantUpgrade: true},
		{name: "wildcard subdomain", origin: "https://beta.example.com", wantUpgrade: true},
		{name: "no origin header", origin: "", wantUpgrade: true},
		{name: "foreign origin", origin: "https://evil.example.net", wantUpgrade: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &serviceStub{events: make(chan ledger.Event)}
			router := PortfolioRoutes(NewPortfolioHandlers(stub), testSecret, []string{"https://app.example.com", "https://*.example.com"})
			server := httptest.NewServer(router)
			defer server.Close()

			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}
			url := "ws" + strings.TrimPrefix(server.URL, "http") + "/portfolio/ws?access_token=" + aliceToken(t)
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if !tc.wantUpgrade {
				if err == nil {
					conn.Close()
					t.Fatalf("expected the upgrade to be refused")
				}
				if resp == nil || resp.StatusCode != http.StatusForbidden {
					t.Fatalf("expected 403, got %v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("dial failed: %v", err)
			}
			conn.Close()
		})
	}
}

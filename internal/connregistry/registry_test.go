package connregistry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// dialTestServer spins up an httptest server that upgrades every
// request to a websocket and hands the resulting *websocket.Conn to
// onConn, then dials it from the client side.
func dialTestServer(t *testing.T, onConn func(*websocket.Conn)) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		onConn(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("client dial: %v", err)
	}
	return client, srv.Close
}

func TestEmitToDeliversToLiveChannel(t *testing.T) {
	reg := New(slog.Default(), nil)

	serverConnCh := make(chan *websocket.Conn, 1)
	client, closeSrv := dialTestServer(t, func(c *websocket.Conn) { serverConnCh <- c })
	defer closeSrv()
	defer client.Close()

	serverConn := <-serverConnCh
	reg.Attach("driver-1", "handle-1", serverConn)

	if ok := reg.EmitTo("driver-1", "ride:offer", map[string]any{"offerId": "abc"}); !ok {
		t.Fatalf("expected EmitTo to find the attached channel")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var frame struct {
		Event string `json:"event"`
		Data  struct {
			OfferID string `json:"offerId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Event != "ride:offer" || frame.Data.OfferID != "abc" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

// TestEmitToIsNoOpBetweenDisconnectAndReconnect covers spec §8
// scenario 6: a notification sent while a driver's channel is down is
// simply dropped, not queued for later delivery.
func TestEmitToIsNoOpBetweenDisconnectAndReconnect(t *testing.T) {
	reg := New(slog.Default(), nil)

	serverConnCh := make(chan *websocket.Conn, 1)
	client, closeSrv := dialTestServer(t, func(c *websocket.Conn) { serverConnCh <- c })
	defer closeSrv()
	defer client.Close()
	handle := reg.Attach("driver-1", "handle-1", <-serverConnCh)
	reg.Detach("driver-1", handle)

	if ok := reg.EmitTo("driver-1", "ride:offer", map[string]any{"offerId": "abc"}); ok {
		t.Fatalf("expected EmitTo against a detached identity to report false")
	}
}

// TestReattachReplacesPriorHandle covers the "at most one live handle
// per identity, last-wins" invariant across a reconnect.
func TestReattachReplacesPriorHandle(t *testing.T) {
	reg := New(slog.Default(), nil)

	firstConnCh := make(chan *websocket.Conn, 1)
	firstClient, closeFirstSrv := dialTestServer(t, func(c *websocket.Conn) { firstConnCh <- c })
	defer closeFirstSrv()
	defer firstClient.Close()
	firstServerConn := <-firstConnCh
	firstHandle := reg.Attach("driver-1", "handle-1", firstServerConn)

	secondConnCh := make(chan *websocket.Conn, 1)
	secondClient, closeSecondSrv := dialTestServer(t, func(c *websocket.Conn) { secondConnCh <- c })
	defer closeSecondSrv()
	defer secondClient.Close()
	secondServerConn := <-secondConnCh
	secondHandle := reg.Attach("driver-1", "handle-2", secondServerConn)

	current, ok := reg.HandleFor("driver-1")
	if !ok || current != secondHandle {
		t.Fatalf("expected the second handle to be current after reattach")
	}
	if current == firstHandle {
		t.Fatalf("expected the first handle to have been replaced")
	}
}

func TestDetachOnlyRemovesItsOwnHandle(t *testing.T) {
	reg := New(slog.Default(), nil)

	firstConnCh := make(chan *websocket.Conn, 1)
	firstClient, closeFirstSrv := dialTestServer(t, func(c *websocket.Conn) { firstConnCh <- c })
	defer closeFirstSrv()
	defer firstClient.Close()
	firstServerConn := <-firstConnCh
	staleHandle := reg.Attach("driver-1", "handle-1", firstServerConn)

	secondConnCh := make(chan *websocket.Conn, 1)
	secondClient, closeSecondSrv := dialTestServer(t, func(c *websocket.Conn) { secondConnCh <- c })
	defer closeSecondSrv()
	defer secondClient.Close()
	secondServerConn := <-secondConnCh
	reg.Attach("driver-1", "handle-2", secondServerConn)

	// A late Detach referencing the stale handle must not evict the
	// current (second) one.
	reg.Detach("driver-1", staleHandle)

	if _, ok := reg.HandleFor("driver-1"); !ok {
		t.Fatalf("expected the current handle to survive a stale Detach")
	}
}

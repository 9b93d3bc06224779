package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridedispatch/internal/connregistry"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/models"
	"github.com/example/ridedispatch/internal/offer"
	"github.com/example/ridedispatch/internal/positionstore"
)

const testSecret = "ws-test-secret"

type harness struct {
	server    *Server
	positions *positionstore.MemStore
	durable   *durable.MemStore
	offers    *offer.Manager
	httpSrv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	positions := positionstore.NewMemStore(time.Minute)
	durableStore := durable.NewMemStore()
	offerStore := offer.NewMemStore()
	registry := connregistry.New(nil, nil)
	lookup := durable.Lookup{Store: durableStore}
	offersMgr := offer.NewManager(offerStore, registry, positions, lookup, 500*time.Millisecond, nil)
	auth := NewAuthenticator(testSecret)
	server := NewServer(auth, registry, positions, offersMgr, durableStore, nil)

	h := &harness{server: server, positions: positions, durable: durableStore, offers: offersMgr}
	h.httpSrv = httptest.NewServer(http.HandlerFunc(server.HandleWS))
	return h
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status=%d): %v", status, err)
	}
	return conn
}

func TestHandleWSUpgradeRejectsUnknownDriver(t *testing.T) {
	h := newHarness(t)
	defer h.httpSrv.Close()

	tok := signToken(t, testSecret, "no-such-user", "driver", time.Hour)
	wsURL := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer " + tok}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("expected the upgrade to fail for an unregistered driver")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestLocationUpdateUpsertsPosition(t *testing.T) {
	h := newHarness(t)
	defer h.httpSrv.Close()
	h.durable.Seed(models.DriverRecord{DriverID: "d1", UserID: "u1", Name: "Alice", IsVerified: true})

	tok := signToken(t, testSecret, "u1", "driver", time.Hour)
	conn := h.dial(t, tok)
	defer conn.Close()

	frame := map[string]any{
		"event": "location:update",
		"data":  map[string]any{"coordinates": []float64{-122.4194, 37.7749}},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pos, ok, err := h.positions.Get(context.Background(), "d1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && pos.Loc.Lat == 37.7749 && pos.Loc.Lon == -122.4194 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("position was never upserted")
}

func TestUserRegisterAlwaysAcks(t *testing.T) {
	h := newHarness(t)
	defer h.httpSrv.Close()
	h.durable.Seed(models.DriverRecord{DriverID: "d1", UserID: "u1", Name: "Alice", IsVerified: true})

	tok := signToken(t, testSecret, "u1", "driver", time.Hour)
	conn := h.dial(t, tok)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "user:register", "data": map[string]any{"role": "driver"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ack struct {
		Event string `json:"event"`
		Data  struct {
			Success bool `json:"success"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Event != "user:registered" || !ack.Data.Success {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestRideAcceptDemuxesToOfferManager(t *testing.T) {
	h := newHarness(t)
	defer h.httpSrv.Close()
	h.durable.Seed(models.DriverRecord{DriverID: "d1", UserID: "u1", Name: "Alice", IsVerified: true})
	if err := h.positions.Upsert(context.Background(), "d1", models.DriverPosition{
		DriverID: "d1", UserID: "u1", Loc: models.Coord{Lat: 1.01, Lon: 2.01},
		LastSeenAt: time.Now(), IsOnline: true, IsAvailable: true,
	}); err != nil {
		t.Fatalf("seeding d1 position: %v", err)
	}

	offerID, err := h.offers.OpenOffer(context.Background(), "rider-1", models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4}, []string{"d1"}, 10, 2.5)
	if err != nil {
		t.Fatalf("OpenOffer: %v", err)
	}

	tok := signToken(t, testSecret, "u1", "driver", time.Hour)
	conn := h.dial(t, tok)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "ride:accept", "data": map[string]any{"requestId": offerID}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, ok, err := h.offers.GetOfferState(context.Background(), offerID)
		if err != nil {
			t.Fatalf("GetOfferState: %v", err)
		}
		if ok && o.State == models.OfferAccepted && o.Winner == "d1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("offer was never accepted via the websocket frame")
}

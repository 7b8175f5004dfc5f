package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/ingest"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/live"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/snapshot"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type liveFixture struct {
	server *httptest.Server
	store  *records.Store
	hub    *live.Hub
	stamp  string
}

func newLiveFixture(t *testing.T) liveFixture {
	t.Helper()
	db, err := gorm.Open(githubsqlite.Open(filepath.Join(t.TempDir(), "radio.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&records.Request{}, &records.Comment{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, 4, 2, 21, 7, 3, 0, time.UTC)
	store, err := records.NewStore(records.StoreConfig{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	hub := live.NewHub(live.HubConfig{Logger: zap.NewExample()})
	service, err := ingest.NewService(ingest.ServiceConfig{Store: store, Publisher: hub})
	if err != nil {
		t.Fatalf("failed to construct ingest service: %v", err)
	}
	builder, err := snapshot.NewBuilder(store, nil, 10)
	if err != nil {
		t.Fatalf("failed to construct snapshot builder: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Submissions: service,
		Snapshots:   builder,
		Live:        hub,
		Logger:      zap.NewExample(),
		Stream:      StreamConfig{WriteTimeout: time.Second, HeartbeatInterval: time.Second},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return liveFixture{server: server, store: store, hub: hub, stamp: records.FormatTimestamp(now)}
}

func (f liveFixture) submitRequest(t *testing.T) {
	t.Helper()
	form := url.Values{"nombre": {"Ana"}, "cancion": {"Levitating"}, "dedicatoria": {""}, "artista": {"Dua Lipa"}}
	response, err := http.PostForm(f.server.URL+"/pedido", form)
	if err != nil {
		t.Fatalf("submit request failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected submit status: %d", response.StatusCode)
	}
}

func (f liveFixture) waitForSubscribers(t *testing.T, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SubscriberCount() != count {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", count, f.hub.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStreamEmitsNewRequests(t *testing.T) {
	fixture := newLiveFixture(t)

	streamRequest, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if !strings.HasPrefix(streamResp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", streamResp.Header.Get("Content-Type"))
	}
	fixture.waitForSubscribers(t, 1)

	fixture.submitRequest(t)

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for live event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != ingest.DefaultRequestTopic {
				continue
			}
			var payload records.RequestView
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			expected := records.RequestView{Nombre: "Ana", Cancion: "Levitating", Artista: "Dua Lipa", FechaHora: fixture.stamp}
			if payload != expected {
				t.Fatalf("unexpected payload: %#v", payload)
			}

			recent, err := fixture.store.RecentRequests(context.Background(), 1)
			if err != nil {
				t.Fatalf("recent failed: %v", err)
			}
			if len(recent) != 1 || recent[0].View() != payload {
				t.Fatalf("broadcast differs from stored row: %#v", recent)
			}
			return
		}
	}
}

func TestEventStreamDetachesOnDisconnect(t *testing.T) {
	fixture := newLiveFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, fixture.server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	fixture.waitForSubscribers(t, 1)

	cancel()
	_ = streamResp.Body.Close()
	fixture.waitForSubscribers(t, 0)

	fixture.submitRequest(t)
}

func TestWebSocketEmitsNewRequests(t *testing.T) {
	fixture := newLiveFixture(t)

	wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() {
		_ = conn.Close()
	})
	fixture.waitForSubscribers(t, 1)

	fixture.submitRequest(t)

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var frame struct {
		Event string              `json:"event"`
		Data  records.RequestView `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if frame.Event != ingest.DefaultRequestTopic {
		t.Fatalf("unexpected event %q", frame.Event)
	}
	if frame.Data.Nombre != "Ana" || frame.Data.FechaHora != fixture.stamp {
		t.Fatalf("unexpected frame data %#v", frame.Data)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	fixture.waitForSubscribers(t, 0)
}

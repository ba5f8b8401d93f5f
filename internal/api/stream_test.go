package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldacoustics/slmgate/internal/gateway"
	"github.com/fieldacoustics/slmgate/internal/store"
)

func TestStreamWebSocket(t *testing.T) {
	t.Parallel()

	// Device: one stream session, two data lines, then close.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	devDone := make(chan struct{})
	go func() {
		defer close(devDone)
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("R+0000\r\n"))
		conn.Write([]byte("1,61.0,62.0,63.0,60.0,70.0\r\n"))
		conn.Write([]byte("2,61.5,62.1,63.2,60.1,70.4\r\n"))
	}()
	t.Cleanup(func() {
		l.Close()
		<-devDone
	})

	st, err := store.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a := l.Addr().(*net.TCPAddr)
	host, port := a.IP.String(), a.Port
	if _, err := st.ApplyConfig(context.Background(), "slm-01", store.ConfigUpdate{
		Host:    &host,
		TCPPort: &port,
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	srv := New(gateway.New(st, testLogger()), testLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/devices/slm-01/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	var samples []gateway.StreamSample
	for i := 0; i < 2; i++ {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var s gateway.StreamSample
		if err := ws.ReadJSON(&s); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		samples = append(samples, s)
	}

	if samples[0].UnitID != "slm-01" || samples[0].Leq != "62.0" {
		t.Errorf("first sample = %+v", samples[0])
	}
	if samples[1].Counter != "2" || samples[1].MeasurementState != "Start" {
		t.Errorf("second sample = %+v", samples[1])
	}

	// Device closed; the server follows with a normal close frame.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected close after device hangup")
	}
}

func TestStreamUnknownUnit(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/api/devices/ghost/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

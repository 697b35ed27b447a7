//go:build test

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/tagwatch/internal/session"
	"github.com/srg/tagwatch/internal/testutils"
)

type fakeSession struct {
	snapshot  session.Snapshot
	toggleErr error
	toggles   int
	selected  []string
}

func (f *fakeSession) Snapshot() session.Snapshot      { return f.snapshot }
func (f *fakeSession) Devices() []session.DeviceRecord { return f.snapshot.Devices }

func (f *fakeSession) Device(id string) (session.DeviceRecord, bool) {
	for _, d := range f.snapshot.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return session.DeviceRecord{}, false
}

func (f *fakeSession) ScanStartOrStop() error {
	if f.toggleErr != nil {
		return f.toggleErr
	}
	f.toggles++
	f.snapshot.Scanning = !f.snapshot.Scanning
	return nil
}

func (f *fakeSession) OnDeviceSelected(id string) { f.selected = append(f.selected, id) }

type fakeHistory struct {
	events []session.Event
}

func (f *fakeHistory) Drain() []session.Event {
	out := f.events
	f.events = nil
	return out
}

type ServerTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	sess    *fakeSession
	history *fakeHistory
	bc      *Broadcaster
	server  *Server
}

func (s *ServerTestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
}

func (s *ServerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sess = &fakeSession{snapshot: session.Snapshot{
		Scanning: true,
		Status:   session.StatusConnectedTo + "SensorTag",
		Devices: []session.DeviceRecord{{
			ID:          "AA:BB:CC:00:00:01",
			Name:        "SensorTag",
			Temperature: 25.46,
			Humidity:    47.66,
			HasReading:  true,
			HasHumidity: true,
			State:       session.Subscribed,
		}},
	}}
	s.history = &fakeHistory{}
	s.bc = NewBroadcaster(s.sess.Snapshot, 0, s.helper.Logger)
	s.server = NewServer(s.sess, s.history, s.bc, s.helper.Logger)
}

func (s *ServerTestSuite) TearDownTest() {
	s.bc.Close()
}

func (s *ServerTestSuite) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerTestSuite) TestHealth() {
	w := s.do(http.MethodGet, "/healthz")
	s.Equal(http.StatusOK, w.Code)
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"status":"ok"}`)
}

func (s *ServerTestSuite) TestGetSession() {
	w := s.do(http.MethodGet, "/api/session")

	s.Equal(http.StatusOK, w.Code)
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{
		"scanning": true,
		"status": "Connected to SensorTag",
		"devices": [{
			"id": "AA:BB:CC:00:00:01",
			"name": "SensorTag",
			"temperature": 25.46,
			"humidity": 47.66,
			"has_reading": true,
			"state": "subscribed"
		}]
	}`)
}

func (s *ServerTestSuite) TestListDevices() {
	s.sess.snapshot.Devices = nil
	w := s.do(http.MethodGet, "/api/devices")

	s.Equal(http.StatusOK, w.Code)
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"devices": []}`)
}

func (s *ServerTestSuite) TestGetDevice() {
	w := s.do(http.MethodGet, "/api/devices/AA:BB:CC:00:00:01")
	s.Equal(http.StatusOK, w.Code)
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"id":"AA:BB:CC:00:00:01","state":"subscribed"}`)

	w = s.do(http.MethodGet, "/api/devices/unknown")
	s.Equal(http.StatusNotFound, w.Code, "unknown device MUST return 404")
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"error":"device not found","id":"unknown"}`)
}

func (s *ServerTestSuite) TestToggleScan() {
	w := s.do(http.MethodPost, "/api/scan/toggle")

	s.Equal(http.StatusAccepted, w.Code)
	s.Equal(1, s.sess.toggles)
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"scanning": false}`)

	s.sess.toggleErr = session.ErrClosed
	w = s.do(http.MethodPost, "/api/scan/toggle")
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Contains(w.Body.String(), session.ErrClosed.Error())
}

func (s *ServerTestSuite) TestSelectDevice() {
	w := s.do(http.MethodPost, "/api/devices/id-7/select")
	s.Equal(http.StatusNoContent, w.Code)
	s.Equal([]string{"id-7"}, s.sess.selected)
}

func (s *ServerTestSuite) TestListEventsDrainsHistory() {
	s.history.events = []session.Event{
		{Seq: 1, Kind: session.EventScanning, Scanning: true},
		{Seq: 2, Kind: session.EventStatus, Status: session.StatusScanning},
	}

	w := s.do(http.MethodGet, "/api/events")
	s.Equal(http.StatusOK, w.Code)
	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoredFields("time")).Assert(w.Body.String(), `{"events":[
		{"seq":1,"kind":"scanning","scanning":true},
		{"seq":2,"kind":"status","status":"Scanning started..."}
	]}`)

	w = s.do(http.MethodGet, "/api/events")
	testutils.NewJSONAsserter(s.T()).Assert(w.Body.String(), `{"events":[]}`)
}

func (s *ServerTestSuite) TestWebSocketStreamsSnapshotThenEvents() {
	// GOAL: Verify a WebSocket client gets the current snapshot first and then live events
	//
	// TEST SCENARIO: dial /ws → snapshot frame → publish status event → status frame
	srv := httptest.NewServer(s.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	s.Require().NoError(err, "WebSocket dial MUST succeed")
	defer conn.Close()

	first := s.readMessage(conn)
	s.Equal(MsgSnapshot, first.Type)
	testutils.NewJSONAsserter(s.T()).Assert(string(first.Payload), `{"scanning":true,"devices":[{"id":"AA:BB:CC:00:00:01"}]}`)

	s.bc.Publish(session.Event{Seq: 9, Kind: session.EventStatus, Status: session.StatusStopped})

	next := s.readMessage(conn)
	s.Equal(string(session.EventStatus), next.Type)
	testutils.NewJSONAsserter(s.T()).Assert(string(next.Payload), `{"seq":9,"status":"Scanning stopped."}`)
}

type rawMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *ServerTestSuite) readMessage(conn *websocket.Conn) rawMessage {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err, "WebSocket frame MUST arrive")
	var msg rawMessage
	s.Require().NoError(json.Unmarshal(data, &msg))
	return msg
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestWebSocketDisabledWithoutBroadcaster(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(&fakeSession{}, nil, nil, nil)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"events":[]}`, w.Body.String())
}

func TestBroadcasterThrottledSnapshot(t *testing.T) {
	snapshots := make(chan struct{}, 8)
	bc := NewBroadcaster(func() session.Snapshot {
		snapshots <- struct{}{}
		return session.Snapshot{}
	}, 20*time.Millisecond, nil)
	defer bc.Close()

	for i := 0; i < 5; i++ {
		bc.Publish(session.Event{Kind: session.EventDeviceUpdated})
	}
	bc.Publish(session.Event{Kind: session.EventStatus})

	select {
	case <-snapshots:
	case <-time.After(time.Second):
		t.Fatal("device updates MUST schedule a snapshot")
	}
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, snapshots, "a burst MUST produce a single snapshot")

	require.Equal(t, 0, bc.ClientCount())
}

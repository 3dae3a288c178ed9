package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcewell/goldenindex/internal/model"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Publish(evt Event) {
	r.events = append(r.events, evt)
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := NewMultiSink(a, b)

	evt := Event{Type: TypeJobCompleted, JobID: "j1", Status: model.JobCompleted}
	m.Publish(evt)

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "j1", a.events[0].JobID)
	assert.Equal(t, "j1", b.events[0].JobID)
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	sink := NewLogSink(log)
	assert.NotPanics(t, func() {
		sink.Publish(Event{Type: TypeJobStarted, JobID: "j1", Status: model.JobRunning})
	})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestHubBroadcastsToRegisteredClient(t *testing.T) {
	hub := NewHub(logrus.NewEntry(logrus.New()))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(conn)
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: TypeJobCompleted, JobID: "j1", Status: model.JobCompleted, Progress: 100})

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, TypeJobCompleted, got.Type)
}

func TestHubDisconnectRemovesClient(t *testing.T) {
	hub := NewHub(logrus.NewEntry(logrus.New()))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(conn)
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, clientConn.Close())

	hub.Publish(Event{Type: TypeJobFailed, JobID: "j2"})
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/livedetect/common"
	"github.com/nvr-ai/livedetect/images"
)

type stubObject struct{}

func (stubObject) Valid() bool { return true }
func (stubObject) Position() common.BoundingBox {
	return common.BoundingBox{X1: 5, Y1: 6, X2: 7, Y2: 8}
}
func (stubObject) Correlation() float32 { return 1 }
func (stubObject) StopTracking()        {}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestHubRelaysCallbacks(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	hub.FoundObjects([]common.TrackedRecognition{
		{Recognition: common.Recognition{Label: "wagon", Confidence: 0.8, Box: common.BoundingBox{X2: 10, Y2: 10}}},
		{Recognition: common.Recognition{Label: "door", Confidence: 0.7}, Object: stubObject{}},
	})
	m := read(t, conn)
	assert.Equal(t, TypeObjects, m.Type)
	require.Len(t, m.Objects, 2)
	assert.Equal(t, "wagon", m.Objects[0].Label)
	assert.Equal(t, float32(10), m.Objects[0].Box.X2)
	assert.False(t, m.Objects[0].Tracked)
	assert.Equal(t, common.BoundingBox{X1: 5, Y1: 6, X2: 7, Y2: 8}, m.Objects[1].Box, "tracked position")
	assert.True(t, m.Objects[1].Tracked)

	hub.Error("object detection failed: boom")
	m = read(t, conn)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "object detection failed: boom", m.Message)

	hub.Info(images.Size{Width: 640, Height: 480}, images.Size{Width: 320, Height: 320}, 42)
	m = read(t, conn)
	assert.Equal(t, TypeInfo, m.Type)
	require.NotNil(t, m.PreviewSize)
	assert.Equal(t, 640, m.PreviewSize.Width)
	assert.Equal(t, 320, m.ModelInputSize.Height)
	assert.Equal(t, int64(42), m.LastInferenceMs)
}

func TestEmptyResultClearsViewerObjects(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	hub.FoundObjects(nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"objects":[]`)
}

func TestNewViewerGetsLatestState(t *testing.T) {
	hub := NewHub(nil)
	hub.Info(images.Size{Width: 640, Height: 480}, images.Size{Width: 320, Height: 320}, 7)
	hub.Error("ignored for late viewers")
	hub.FoundObjects([]common.TrackedRecognition{{Recognition: common.Recognition{Label: "wagon"}}})

	conn := dial(t, hub)
	assert.Equal(t, TypeInfo, read(t, conn).Type)
	m := read(t, conn)
	assert.Equal(t, TypeObjects, m.Type)
	require.Len(t, m.Objects, 1)
}

func TestHubForgetsDisconnectedViewers(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)

	hub.Error("nobody listens")
}

func TestCloseDisconnectsViewers(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

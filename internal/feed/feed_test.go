package feed

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), Event{
		Kind:          KindOrderConfirmed,
		TransactionID: "txn-1",
		OrderID:       "ord-1",
		Payload:       Encode(map[string]string{"status": "ACTIVE"}),
	})

	ev := readEvent(t, conn)
	assert.Equal(t, KindOrderConfirmed, ev.Kind)
	assert.Equal(t, "ord-1", ev.OrderID)
	assert.Contains(t, string(ev.Payload), "ACTIVE")
}

func TestHubTransactionFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "?transaction_id=txn-1")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), Event{Kind: KindOrderDrafted, TransactionID: "txn-2"})
	hub.Publish(context.Background(), Event{Kind: KindOrderConfirmed, TransactionID: "txn-1"})

	ev := readEvent(t, conn)
	assert.Equal(t, "txn-1", ev.TransactionID)
	assert.Equal(t, KindOrderConfirmed, ev.Kind)
}

func TestHubCloseDisconnects(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

type capture struct {
	events []Event
}

func (c *capture) Publish(_ context.Context, ev Event) { c.events = append(c.events, ev) }

func TestFanoutPublishesToAllSinks(t *testing.T) {
	a, b := &capture{}, &capture{}
	f := Fanout{Nop{}, a, b}

	f.Publish(context.Background(), Event{Kind: KindEscrowBlocked, OrderID: "ord-9"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, KindEscrowBlocked, a.events[0].Kind)
}

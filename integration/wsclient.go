package integration

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	apiws "github.com/questboard/server/api/ws"
	"github.com/stretchr/testify/require"
)

// WSClient is a notification socket client. Packets that arrive while a
// test waits for something else are kept in a backlog, so assertions do not
// depend on the order in which the dispatcher delivers events.
type WSClient struct {
	Conn    *websocket.Conn
	t       *testing.T
	seq     atomic.Uint64
	in      chan apiws.Packet
	readErr chan error
	backlog []apiws.Packet
}

// ConnectWS dials the notification socket with the given JWT and waits for
// the "connected" packet.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?access_token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "dial notification socket")
	wc := &WSClient{
		Conn:    conn,
		t:       t,
		in:      make(chan apiws.Packet, 256),
		readErr: make(chan error, 1),
	}
	go wc.pump()
	t.Cleanup(func() { conn.Close() })
	wc.RecvType("connected", 2*time.Second)
	return wc
}

func (wc *WSClient) pump() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		if err != nil {
			wc.readErr <- err
			return
		}
		var pkt apiws.Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			wc.readErr <- err
			return
		}
		wc.in <- pkt
	}
}

// Send writes a client packet with the next sequence number.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	pkt := apiws.Packet{Seq: wc.seq.Add(1), Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(wc.t, err)
		pkt.Payload = raw
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// Expect returns the first packet, backlog included, that satisfies match.
// It fails the test when nothing matches within timeout.
func (wc *WSClient) Expect(what string, match func(apiws.Packet) bool, timeout time.Duration) apiws.Packet {
	wc.t.Helper()
	for i, pkt := range wc.backlog {
		if match(pkt) {
			wc.backlog = append(wc.backlog[:i], wc.backlog[i+1:]...)
			return pkt
		}
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case pkt := <-wc.in:
			if match(pkt) {
				return pkt
			}
			wc.backlog = append(wc.backlog, pkt)
		case err := <-wc.readErr:
			wc.t.Fatalf("socket closed while waiting for %s: %v", what, err)
		case <-deadline.C:
			wc.t.Fatalf("timed out waiting for %s (%d other packets buffered)", what, len(wc.backlog))
		}
	}
}

// RecvType waits for a packet of the given type and returns its decoded
// payload.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	pkt := wc.Expect(msgType+" packet", func(p apiws.Packet) bool { return p.Type == msgType }, timeout)
	return decodePayload(wc.t, pkt)
}

// RecvNotification waits for a "notification" packet whose notification
// type matches and returns the notification.
func (wc *WSClient) RecvNotification(notificationType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	pkt := wc.Expect(notificationType+" notification", func(p apiws.Packet) bool {
		if p.Type != "notification" {
			return false
		}
		var n struct {
			Type string `json:"type"`
		}
		return json.Unmarshal(p.Payload, &n) == nil && n.Type == notificationType
	}, timeout)
	return decodePayload(wc.t, pkt)
}

// decodePayload returns object payloads as a map. Any other JSON value
// (announcements are plain strings) is returned under "value".
func decodePayload(t *testing.T, pkt apiws.Packet) map[string]interface{} {
	t.Helper()
	if len(pkt.Payload) == 0 {
		return map[string]interface{}{}
	}
	var v interface{}
	require.NoError(t, json.Unmarshal(pkt.Payload, &v), "payload of %s", pkt.Type)
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": v}
}

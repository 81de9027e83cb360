package nodes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// pipeConn is an in-memory FrameConn; two ends share a done channel so
// closing either side drops both, like a real socket.
type pipeConn struct {
	in   chan *models.NodeMessage
	out  chan *models.NodeMessage
	done chan struct{}
	once *sync.Once
}

func framePipe() (server, client *pipeConn) {
	toServer := make(chan *models.NodeMessage, 16)
	toClient := make(chan *models.NodeMessage, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	server = &pipeConn{in: toServer, out: toClient, done: done, once: once}
	client = &pipeConn{in: toClient, out: toServer, done: done, once: once}
	return server, client
}

func (p *pipeConn) ReadFrame() (*models.NodeMessage, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(msg *models.NodeMessage) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.json")
	opts = append([]ManagerOption{
		WithManagerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPingInterval(time.Hour),
	}, opts...)
	m, err := NewManager("secret", path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// connect performs the client side of the handshake and returns the
// ack or reject frame.
func connect(t *testing.T, conn *pipeConn, nodeID, token string) *models.NodeMessage {
	t.Helper()
	msg, err := models.NewNodeMessage(models.NodeMsgConnect, nodeID, "", models.ConnectPayload{
		DisplayName: "test-node",
		Token:       token,
		Platform:    "linux",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteFrame(msg); err != nil {
		t.Fatal(err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	return reply
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHandshakeAutoApprove(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")

	reply := connect(t, client, "n1", "secret")
	if reply.Type != models.NodeMsgConnectAck {
		t.Fatalf("reply type: %s", reply.Type)
	}
	var ack models.ConnectAckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Paired {
		t.Error("auto-approved node not paired")
	}

	waitFor(t, func() bool { return m.IsConnected("n1") })
	node, ok := m.Get("n1")
	if !ok || node.Status != models.NodeConnected || node.Name != "test-node" {
		t.Errorf("node: %+v", node)
	}
}

func TestHandshakeInvalidToken(t *testing.T) {
	m := newTestManager(t)
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")

	reply := connect(t, client, "n1", "wrong")
	if reply.Type != models.NodeMsgConnectReject {
		t.Fatalf("reply type: %s", reply.Type)
	}
	var reject models.ConnectRejectPayload
	if err := reply.DecodePayload(&reject); err != nil {
		t.Fatal(err)
	}
	if reject.Reason != "invalid token" {
		t.Errorf("reason: %q", reject.Reason)
	}
	if _, ok := m.Get("n1"); ok {
		t.Error("rejected node was recorded")
	}
}

func TestPendingNodeRefusesInvoke(t *testing.T) {
	m := newTestManager(t)
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")

	reply := connect(t, client, "n1", "secret")
	var ack models.ConnectAckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Paired {
		t.Error("unapproved node reported paired")
	}

	waitFor(t, func() bool { return m.IsConnected("n1") })
	res, err := m.Invoke(context.Background(), "n1", "system.run", nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorCode != models.ErrCodeNodeNotPaired {
		t.Errorf("result: %+v", res)
	}

	if err := m.Approve("n1"); err != nil {
		t.Fatal(err)
	}
	node, _ := m.Get("n1")
	if node.Status != models.NodeConnected {
		t.Errorf("status after approval: %s", node.Status)
	}
	if err := m.Approve("n1"); err == nil {
		t.Error("second approval of a non-pending node succeeded")
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	// Fake host: answer the first invoke frame.
	go func() {
		for {
			msg, err := client.ReadFrame()
			if err != nil {
				return
			}
			if msg.Type != models.NodeMsgInvoke {
				continue
			}
			var inv models.Invoke
			if err := msg.DecodePayload(&inv); err != nil {
				return
			}
			result, _ := models.NewNodeMessage(models.NodeMsgInvokeResult, "n1", msg.MessageID, models.InvokeResult{
				InvokeID: inv.InvokeID,
				Success:  true,
				Result:   map[string]any{"stdout": "hello"},
			})
			client.WriteFrame(result)
		}
	}()

	res, err := m.Invoke(context.Background(), "n1", "system.run", map[string]any{"command": "echo hello"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Result["stdout"] != "hello" {
		t.Errorf("result: %+v", res)
	}
}

func TestInvokeTimeout(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	// The host never answers.
	res, err := m.Invoke(context.Background(), "n1", "system.run", nil, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorCode != models.ErrCodeTimeout {
		t.Errorf("result: %+v", res)
	}
}

func TestDisconnectFailsPendingInvokes(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	results := make(chan *models.InvokeResult, 1)
	go func() {
		res, err := m.Invoke(context.Background(), "n1", "system.run", nil, 10*time.Second)
		if err != nil {
			return
		}
		results <- res
	}()

	// Wait until the invoke frame is in flight, then drop the socket.
	msg, err := client.ReadFrame()
	if err != nil || msg.Type != models.NodeMsgInvoke {
		t.Fatalf("frame: %+v err: %v", msg, err)
	}
	client.Close()

	select {
	case res := <-results:
		if res.Success || res.ErrorCode != models.ErrCodeNodeUnavailable {
			t.Errorf("result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending invoke never resolved")
	}

	waitFor(t, func() bool { return !m.IsConnected("n1") })
	node, _ := m.Get("n1")
	if node.Status != models.NodeDisconnected {
		t.Errorf("status: %s", node.Status)
	}
}

func TestInvokeUnknownNode(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Invoke(context.Background(), "ghost", "system.run", nil, time.Second); err == nil {
		t.Error("invoke on unknown node succeeded")
	}
}

func TestRejectRemovesNode(t *testing.T) {
	m := newTestManager(t)
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	if err := m.Reject("n1", "untrusted"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("n1"); ok {
		t.Error("rejected node still listed")
	}

	msg, err := client.ReadFrame()
	if err != nil || msg.Type != models.NodeMsgConnectReject {
		t.Errorf("frame: %+v err: %v", msg, err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	if got := len(m.List(models.NodeConnected)); got != 1 {
		t.Errorf("connected nodes: %d", got)
	}
	if got := len(m.List(models.NodePending)); got != 0 {
		t.Errorf("pending nodes: %d", got)
	}
	conns := m.ConnectedNodes()
	if len(conns) != 1 || conns[0].ID != "n1" {
		t.Errorf("connected: %+v", conns)
	}
}

func TestRegistryReloadDemotesConnected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	m, err := NewManager("secret", path,
		WithManagerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPingInterval(time.Hour),
		WithAutoApprove(true))
	if err != nil {
		t.Fatal(err)
	}
	server, client := framePipe()
	go m.Serve(server, "10.0.0.1:1234")
	connect(t, client, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	// A fresh manager has no live sockets, so connected records load as
	// paired.
	m2, err := NewManager("secret", path, WithManagerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	node, ok := m2.Get("n1")
	if !ok || node.Status != models.NodePaired {
		t.Errorf("reloaded node: %+v", node)
	}
}

func TestNewerSocketReplacesOlder(t *testing.T) {
	m := newTestManager(t, WithAutoApprove(true))

	server1, client1 := framePipe()
	go m.Serve(server1, "10.0.0.1:1")
	connect(t, client1, "n1", "secret")
	waitFor(t, func() bool { return m.IsConnected("n1") })

	server2, client2 := framePipe()
	go m.Serve(server2, "10.0.0.1:2")
	connect(t, client2, "n1", "secret")

	// The old socket is closed as the new one attaches.
	waitFor(t, func() bool {
		_, err := client1.ReadFrame()
		return err != nil
	})
	if !m.IsConnected("n1") {
		t.Error("node lost its connection during replacement")
	}
}

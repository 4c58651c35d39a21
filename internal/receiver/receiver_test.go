package receiver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dirsync/internal/ack"
	"dirsync/internal/filekey"
	"dirsync/internal/inventory"
	"dirsync/internal/liveness"
	"dirsync/internal/wire"
)

func testCodec(t *testing.T) *wire.Codec {
	t.Helper()
	c, err := wire.NewCodec(1500, 16, []byte("shared-secret"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

type harness struct {
	recvConn *net.UDPConn
	peerConn *net.UDPConn
	codec    *wire.Codec
	inv      *inventory.Tracker
	acks     *ack.Table
	live     *liveness.Controller
	dir      string
	r        *Receiver
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP recv: %v", err)
	}
	peerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP peer: %v", err)
	}

	codec := testCodec(t)
	acks := ack.NewTable()
	inv := inventory.New(acks, nil)
	live := liveness.New()
	dir := t.TempDir()

	r := New(recvConn, codec, dir, inv, acks, live, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	h := &harness{recvConn: recvConn, peerConn: peerConn, codec: codec, inv: inv, acks: acks, live: live, dir: dir, r: r, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		recvConn.Close()
		peerConn.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, buf []byte) {
	t.Helper()
	if _, err := h.peerConn.WriteTo(buf, h.recvConn.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (h *harness) recvAck(t *testing.T, timeout time.Duration) wire.AckRecord {
	t.Helper()
	buf := make([]byte, 2048)
	if err := h.peerConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, _, err := h.peerConn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	decoded, err := h.codec.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a, ok := decoded.(wire.AckRecord)
	if !ok {
		t.Fatalf("expected AckRecord, got %T", decoded)
	}
	return a
}

func TestReceiverFullFileNoLoss(t *testing.T) {
	h := newHarness(t)
	key := filekey.Derive("f.bin", 1)
	meta := wire.MetaRecord{Key: key, Filename: "f.bin", HasNext: false}
	buf, err := h.codec.EncodeFileMeta(meta)
	if err != nil {
		t.Fatalf("EncodeFileMeta: %v", err)
	}
	h.send(t, buf)

	time.Sleep(50 * time.Millisecond) // let FILE_META create receive state

	chunks := [][]byte{[]byte("aaaaaaaaaaaaaaaa"), []byte("bbbbbbbbbbbbbbbb"), []byte("cc")}
	for i, payload := range chunks {
		d := wire.DataRecord{Key: key, SeqNum: uint16(i), HasNext: i != len(chunks)-1, Payload: payload}
		dbuf, err := h.codec.EncodeDataTransfer(d)
		if err != nil {
			t.Fatalf("EncodeDataTransfer: %v", err)
		}
		h.send(t, dbuf)
		ack := h.recvAck(t, time.Second)
		if ack.Key != key || int(ack.SeqNum) != i {
			t.Errorf("ack %d: got %+v", i, ack)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	finalPath := filepath.Join(h.dir, "f.bin")
	for {
		if _, err := os.Stat(finalPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("file was never renamed into place")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "aaaaaaaaaaaaaaaa" + "bbbbbbbbbbbbbbbb" + "cc"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
}

func TestReceiverOutOfOrderChunksBuffer(t *testing.T) {
	h := newHarness(t)
	key := filekey.Derive("g.bin", 2)
	meta := wire.MetaRecord{Key: key, Filename: "g.bin"}
	mbuf, _ := h.codec.EncodeFileMeta(meta)
	h.send(t, mbuf)
	time.Sleep(50 * time.Millisecond)

	chunks := []wire.DataRecord{
		{Key: key, SeqNum: 0, HasNext: true, Payload: []byte("A")},
		{Key: key, SeqNum: 1, HasNext: true, Payload: []byte("B")},
		{Key: key, SeqNum: 2, HasNext: false, Payload: []byte("C")},
	}
	// Send out of order: 2, 0, 1.
	order := []int{2, 0, 1}
	for _, idx := range order {
		buf, err := h.codec.EncodeDataTransfer(chunks[idx])
		if err != nil {
			t.Fatalf("EncodeDataTransfer: %v", err)
		}
		h.send(t, buf)
		h.recvAck(t, time.Second)
	}

	deadline := time.Now().Add(2 * time.Second)
	finalPath := filepath.Join(h.dir, "g.bin")
	for {
		if _, err := os.Stat(finalPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("file was never renamed into place")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "ABC" {
		t.Errorf("content = %q, want ABC (contiguous order despite out-of-order arrival)", data)
	}
}

func TestReceiverAckAdvancesSenderSideTracker(t *testing.T) {
	h := newHarness(t)
	key := filekey.Derive("tracked.bin", 3)
	tracker := h.acks.GetOrCreate(key)
	tracker.RecordSent(0, wire.DataRecord{Key: key, SeqNum: 0})

	ackBuf, err := h.codec.EncodeAck(wire.AckRecord{Key: key, SeqNum: 0, Timestamp: 123})
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}
	h.send(t, ackBuf)

	deadline := time.Now().Add(time.Second)
	for !tracker.IsEmpty() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !tracker.IsEmpty() {
		t.Error("expected tracker to be empty after receiving the ack")
	}
}

func TestReceiverSentinelAckClearsRemoteInventory(t *testing.T) {
	h := newHarness(t)
	key := filekey.Derive("was-remote.bin", 4)
	h.inv.IngestRemote(wire.MetaRecord{Key: key, Filename: "was-remote.bin", HasNext: false})

	sentinelBuf, err := h.codec.EncodeAck(wire.Sentinel(time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}
	h.send(t, sentinelBuf)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := h.inv.RemoteLookup(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote inventory was never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiverMalformedPacketIsDroppedAndCounted(t *testing.T) {
	h := newHarness(t)
	before := h.r.MalformedCount()

	garbage := []byte{0xFF, 1, 2, 3}
	h.send(t, garbage)

	deadline := time.Now().Add(time.Second)
	for h.r.MalformedCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.r.MalformedCount() <= before {
		t.Error("expected malformed counter to increment")
	}
}

func TestReceiverStopsOnContextCancellation(t *testing.T) {
	h := newHarness(t)
	h.cancel()
	h.recvConn.Close()

	select {
	case err := <-h.done:
		if err == nil {
			t.Error("expected Run to return an error after socket close")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

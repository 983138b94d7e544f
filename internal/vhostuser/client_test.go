package vhostuser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vufront/internal/vhostuser"
	"github.com/tinyrange/vufront/internal/vhostuser/vutest"
	"github.com/tinyrange/vufront/internal/vuerr"
)

func newClient(t *testing.T, b *vutest.Backend) *vhostuser.Client {
	t.Helper()
	conn, err := b.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	c := vhostuser.NewClient(conn, vhostuser.Options{})
	t.Cleanup(func() {
		c.Close()
		if err := b.Close(); err != nil {
			t.Errorf("backend: %v", err)
		}
	})
	return c
}

func memfd(t *testing.T, size int64) int {
	t.Helper()
	fd, err := unix.MemfdCreate("vhostuser-test", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestFeaturesWithBarrier(t *testing.T) {
	b := &vutest.Backend{Features: 1<<vhostuser.FeatureVersion1 | 1}
	c := newClient(t, b)
	ctx := context.Background()

	got, err := c.GetFeatures(ctx)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if got != b.Features {
		t.Fatalf("GetFeatures = %#x, want %#x", got, b.Features)
	}

	if err := c.SetFeatures(ctx, 1); err != nil {
		t.Fatalf("SetFeatures: %v", err)
	}
	if b.Acked() != 1 {
		t.Fatalf("backend acked %#x, want 0x1", b.Acked())
	}

	want := []vhostuser.Request{
		vhostuser.ReqGetFeatures,
		vhostuser.ReqSetFeatures,
		vhostuser.ReqGetFeatures,
	}
	if diff := pretty.Compare(b.Requests(), want); diff != "" {
		t.Fatalf("request sequence (-got +want):\n%s", diff)
	}
}

func TestReplyAck(t *testing.T) {
	replyAck := vhostuser.Bit(vhostuser.ProtocolFeatureReplyAck)
	b := &vutest.Backend{
		Features:         1 << vhostuser.FeatureProtocolFeatures,
		ProtocolFeatures: replyAck,
		Reject:           map[vhostuser.Request]uint64{vhostuser.ReqSetVringNum: 22},
	}
	c := newClient(t, b)
	ctx := context.Background()

	if err := c.SetProtocolFeatures(ctx, replyAck); err != nil {
		t.Fatalf("SetProtocolFeatures: %v", err)
	}
	if c.ProtocolFeatures() != replyAck {
		t.Fatalf("ProtocolFeatures = %#x", c.ProtocolFeatures())
	}
	if err := c.SetOwner(ctx); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}

	want := []vhostuser.Request{
		vhostuser.ReqSetProtocolFeatures,
		vhostuser.ReqGetFeatures,
		vhostuser.ReqSetOwner,
	}
	if diff := pretty.Compare(b.Requests(), want); diff != "" {
		t.Fatalf("request sequence (-got +want):\n%s", diff)
	}

	err := c.SetVringNum(ctx, 0, 256)
	if !errors.Is(err, vuerr.ErrProtocol) {
		t.Fatalf("rejected SetVringNum: got %v, want protocol error", err)
	}
	if _, err := c.GetFeatures(ctx); !errors.Is(err, vuerr.ErrTransport) {
		t.Fatalf("client still usable after protocol error: %v", err)
	}
}

func TestMemTableCarriesDescriptors(t *testing.T) {
	b := &vutest.Backend{}
	c := newClient(t, b)

	fds := []int{memfd(t, 0x10000), memfd(t, 0x10000)}
	regions := []vhostuser.MemoryRegion{
		{GuestAddr: 0, Size: 0x10000, UserAddr: 0x7f0000000000},
		{GuestAddr: 0x10000, Size: 0x10000, UserAddr: 0x7f0000100000, MmapOffset: 0x1000},
	}
	if err := c.SetMemTable(context.Background(), regions, fds); err != nil {
		t.Fatalf("SetMemTable: %v", err)
	}
	if diff := pretty.Compare(b.Regions(), regions); diff != "" {
		t.Fatalf("backend memory table (-got +want):\n%s", diff)
	}

	err := c.SetMemTable(context.Background(), regions, fds[:1])
	if !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("mismatched descriptors: got %v, want configuration error", err)
	}
}

func TestVringSignals(t *testing.T) {
	b := &vutest.Backend{}
	c := newClient(t, b)
	ctx := context.Background()

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(efd)

	if err := c.SetVringKick(ctx, 0, efd); err != nil {
		t.Fatalf("SetVringKick: %v", err)
	}
	if err := c.SetVringCall(ctx, 1, -1); err != nil {
		t.Fatalf("SetVringCall: %v", err)
	}

	if b.Vring(0).KickFD < 0 {
		t.Fatalf("kick descriptor not received")
	}
	if b.Vring(1).CallFD != -1 {
		t.Fatalf("call descriptor unexpectedly set")
	}

	var buf [8]byte
	buf[0] = 3
	if _, err := unix.Write(efd, buf[:]); err != nil {
		t.Fatalf("write eventfd: %v", err)
	}
	n, err := b.WaitKick(0, time.Second)
	if err != nil {
		t.Fatalf("WaitKick: %v", err)
	}
	if n != 3 {
		t.Fatalf("kick count = %d, want 3", n)
	}
}

func TestVringBase(t *testing.T) {
	b := &vutest.Backend{}
	c := newClient(t, b)
	ctx := context.Background()

	if err := c.SetVringBase(ctx, 2, 17); err != nil {
		t.Fatalf("SetVringBase: %v", err)
	}
	got, err := c.GetVringBase(ctx, 2)
	if err != nil {
		t.Fatalf("GetVringBase: %v", err)
	}
	if got != 17 {
		t.Fatalf("GetVringBase = %d, want 17", got)
	}
}

func TestConfigSpace(t *testing.T) {
	b := &vutest.Backend{Config: []byte{0, 1, 2, 3, 4, 5, 6, 7}}
	c := newClient(t, b)
	ctx := context.Background()

	got, err := c.GetConfig(ctx, 4, 4, vhostuser.ConfigFlagWritable)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if diff := pretty.Compare(got, []byte{4, 5, 6, 7}); diff != "" {
		t.Fatalf("config bytes (-got +want):\n%s", diff)
	}

	if err := c.SetConfig(ctx, 2, vhostuser.ConfigFlagWritable, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, err = c.GetConfig(ctx, 0, 4, vhostuser.ConfigFlagWritable)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if diff := pretty.Compare(got, []byte{0, 1, 0xaa, 0xbb}); diff != "" {
		t.Fatalf("config bytes after write (-got +want):\n%s", diff)
	}

	if _, err := c.GetConfig(ctx, 0, vhostuser.MaxConfigSize+1, 0); !errors.Is(err, vuerr.ErrConfiguration) {
		t.Fatalf("oversized GetConfig: %v", err)
	}
}

func TestMalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply func(m *vhostuser.Message) *vhostuser.Message
	}{
		{"out of sequence", func(m *vhostuser.Message) *vhostuser.Message {
			r := vhostuser.NewMessage(vhostuser.ReqGetQueueNum, vhostuser.EncodeU64(1))
			r.Flags |= vhostuser.FlagReply
			return r
		}},
		{"wrong version", func(m *vhostuser.Message) *vhostuser.Message {
			r := vhostuser.NewMessage(m.Request, vhostuser.EncodeU64(1))
			r.Flags = 2 | vhostuser.FlagReply
			return r
		}},
		{"missing reply flag", func(m *vhostuser.Message) *vhostuser.Message {
			return vhostuser.NewMessage(m.Request, vhostuser.EncodeU64(1))
		}},
		{"short payload", func(m *vhostuser.Message) *vhostuser.Message {
			r := vhostuser.NewMessage(m.Request, []byte{1, 2, 3, 4})
			r.Flags |= vhostuser.FlagReply
			return r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &vutest.Backend{
				Hook: func(m *vhostuser.Message) (*vhostuser.Message, bool) {
					return tt.reply(m), true
				},
			}
			c := newClient(t, b)
			if _, err := c.GetFeatures(context.Background()); !errors.Is(err, vuerr.ErrProtocol) {
				t.Fatalf("GetFeatures: got %v, want protocol error", err)
			}
		})
	}
}

func TestDeadline(t *testing.T) {
	b := &vutest.Backend{
		Hook: func(m *vhostuser.Message) (*vhostuser.Message, bool) {
			return nil, true
		},
	}
	c := newClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetFeatures(ctx)
	if !errors.Is(err, vuerr.ErrTransport) {
		t.Fatalf("GetFeatures: got %v, want transport error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetFeatures: %v does not report the deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("deadline ignored, waited %s", elapsed)
	}
}

func TestClosedClient(t *testing.T) {
	c := newClient(t, &vutest.Backend{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.GetFeatures(context.Background()); !errors.Is(err, vuerr.ErrClosed) {
		t.Fatalf("GetFeatures after Close: %v", err)
	}
}

func TestBackendHangup(t *testing.T) {
	b := &vutest.Backend{}
	c := newClient(t, b)
	b.Close()

	if _, err := c.GetFeatures(context.Background()); !errors.Is(err, vuerr.ErrTransport) {
		t.Fatalf("GetFeatures after hangup: %v", err)
	}
}

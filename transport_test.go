package rtps

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReceiver struct {
	mu       sync.Mutex
	messages [][]byte
	ticks    int
	got      chan struct{}
}

func (r *recordingReceiver) ReceiveDatagram(_ *net.UDPAddr, message []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordingReceiver) Update(time.Time) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func TestUDPTransport_Loopback(t *testing.T) {
	config := NewDefaultConfig()
	config.UnicastAddress = "127.0.0.1:0"
	config.HeartbeatPeriod.Duration = 40 * time.Millisecond

	tr, err := ListenUDP(config)
	require.NoError(t, err)
	assert.Nil(t, tr.Group())

	r := &recordingReceiver{got: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, r) }()

	tr.Send(tr.LocalAddr(), []byte("RTPS message"))
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	cancel()
	require.NoError(t, <-done)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("RTPS message")}, r.messages)
}

func TestListenUDP_BadGroup(t *testing.T) {
	config := NewDefaultConfig()
	config.UnicastAddress = "127.0.0.1:0"
	config.MulticastGroup = "127.0.0.1:7400"
	_, err := ListenUDP(config)
	assert.ErrorContains(t, err, "not a multicast address")
}

package holepunch

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/DIG-Network/dig-nat-tools/candidate"
)

func TestUDPPunchLoopbackRoundTrip(t *testing.T) {
	aConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	bConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	aPort := aConn.LocalAddr().(*net.UDPAddr).Port
	bPort := bConn.LocalAddr().(*net.UDPAddr).Port

	aRemote := []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.UDP, Host: "127.0.0.1", Port: bPort}}
	bRemote := []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.UDP, Host: "127.0.0.1", Port: aPort}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	aDone := make(chan result, 1)
	bDone := make(chan result, 1)
	go func() {
		c, err := UDPPunch(ctx, aConn, aRemote, 5*time.Second, log.Default)
		aDone <- result{c, err}
	}()
	go func() {
		c, err := UDPPunch(ctx, bConn, bRemote, 5*time.Second, log.Default)
		bDone <- result{c, err}
	}()

	ra := <-aDone
	rb := <-bDone
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	defer ra.conn.Close()
	defer rb.conn.Close()

	_, err = ra.conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	rb.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := rb.conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestPortPredictor(t *testing.T) {
	var p PortPredictor
	_, ok := p.Predict()
	require.False(t, ok)

	p.Observe(40000)
	_, ok = p.Predict()
	require.False(t, ok)

	p.Observe(40002)
	next, ok := p.Predict()
	require.True(t, ok)
	require.Equal(t, 40004, next)

	p.Observe(40004)
	next, ok = p.Predict()
	require.True(t, ok)
	require.Equal(t, 40006, next)

	got := p.PredictN(3)
	require.Equal(t, []int{40006, 40008, 40010}, got)
}

func TestTCPPunchLoopbackSimultaneousOpen(t *testing.T) {
	aLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	aPort := aLn.Addr().(*net.TCPAddr).Port
	aLn.Close()

	bLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bPort := bLn.Addr().(*net.TCPAddr).Port
	bLn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	aRemote := []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.TCP, Host: "127.0.0.1", Port: bPort}}
	bRemote := []candidate.Candidate{{Kind: candidate.Host, Transport: candidate.TCP, Host: "127.0.0.1", Port: aPort}}

	type result struct {
		conn net.Conn
		err  error
	}
	aDone := make(chan result, 1)
	bDone := make(chan result, 1)
	go func() {
		c, err := TCPPunch(ctx, "127.0.0.1:"+strconv.Itoa(aPort), bRemote, nil, 8*time.Second, log.Default)
		aDone <- result{c, err}
	}()
	go func() {
		c, err := TCPPunch(ctx, "127.0.0.1:"+strconv.Itoa(bPort), aRemote, nil, 8*time.Second, log.Default)
		bDone <- result{c, err}
	}()

	ra := <-aDone
	rb := <-bDone
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	ra.conn.Close()
	rb.conn.Close()
}

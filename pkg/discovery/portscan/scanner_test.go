package portscan

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

func listen(t *testing.T, serve func(net.Conn)) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestScannerGrabsBanner(t *testing.T) {
	port := listen(t, func(conn net.Conn) {
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_, _ = conn.Write([]byte("SSH-2.0-OpenSSH_7.2p2 Ubuntu\r\n"))
	})

	s := NewPortScanner("127.0.0.1", time.Second, time.Second)
	ev, err := s.Probe(context.Background(), probe.Candidate{Kind: probe.KindPort, Value: "x", Port: port})
	require.NoError(t, err)

	assert.True(t, ev.Open)
	assert.Equal(t, port, ev.Port)
	assert.Equal(t, "127.0.0.1", ev.Host)
	assert.Equal(t, "SSH-2.0-OpenSSH_7.2p2 Ubuntu", ev.Banner)
}

func TestScannerSilentService(t *testing.T) {
	port := listen(t, func(conn net.Conn) {
		time.Sleep(500 * time.Millisecond)
	})

	s := NewPortScanner("127.0.0.1", time.Second, 100*time.Millisecond)
	ev, err := s.Probe(context.Background(), probe.Candidate{Kind: probe.KindPort, Port: port})
	require.NoError(t, err)
	assert.True(t, ev.Open)
	assert.Empty(t, ev.Banner)
}

func TestSilentPortReportedBeforeDeadline(t *testing.T) {
	port := listen(t, func(conn net.Conn) {
		time.Sleep(3 * time.Second)
	})

	// The engine passes the same value as dial, banner and scheduler timeout.
	timeout := time.Second
	s := NewPortScanner("127.0.0.1", timeout, timeout)
	batch := probe.Run(context.Background(),
		[]probe.Candidate{{Kind: probe.KindPort, Value: "silent", Port: port}},
		s.Probe,
		probe.Options{MaxConcurrency: 1, Timeout: timeout},
	)

	assert.Equal(t, 1, batch.Stats.Succeeded)
	assert.Zero(t, batch.Stats.TimedOut)
	require.Len(t, batch.Outcomes, 1)
	assert.True(t, batch.Outcomes[0].Evidence.Open)
	assert.Empty(t, batch.Outcomes[0].Evidence.Banner)
}

func TestBannerDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(2*time.Second), bannerDeadline(context.Background(), now, 2*time.Second))

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(time.Second))
	defer cancel()
	assert.Equal(t, now.Add(750*time.Millisecond), bannerDeadline(ctx, now, time.Second))
	assert.Equal(t, now.Add(100*time.Millisecond), bannerDeadline(ctx, now, 100*time.Millisecond))

	ctx, cancel = context.WithDeadline(context.Background(), now.Add(10*time.Second))
	defer cancel()
	assert.Equal(t, now.Add(10*time.Second-maxBannerSlack), bannerDeadline(ctx, now, time.Minute))
}

func TestScannerClosedPortIsNegative(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewPortScanner("127.0.0.1", time.Second, time.Second)
	_, err = s.Probe(context.Background(), probe.Candidate{Kind: probe.KindPort, Port: port})
	assert.ErrorIs(t, err, probe.ErrNegative)
}

func TestScannerRejectsInvalidPort(t *testing.T) {
	s := NewPortScanner("127.0.0.1", time.Second, time.Second)
	_, err := s.Probe(context.Background(), probe.Candidate{Kind: probe.KindPort, Port: 0})
	require.Error(t, err)
	assert.NotErrorIs(t, err, probe.ErrNegative)
}

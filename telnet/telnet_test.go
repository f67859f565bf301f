// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package telnet_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsalarm/telnet"
)

const (
	iac  = 255
	will = 251
	wont = 252
	do   = 253
	dont = 254
	sb   = 250
	se   = 240
)

var (
	initBinary = []byte{iac, will, 3, iac, do, 3, iac, will, 0, iac, do, 0}
	initText   = []byte{iac, will, 3, iac, do, 3}
)

// server collects everything written by the client.
type server struct {
	conn net.Conn
	rx   chan []byte
}

func newServer(c net.Conn) *server {
	s := &server{conn: c, rx: make(chan []byte, 100)}
	go func() {
		for {
			b := make([]byte, 256)
			n, err := c.Read(b)
			if err != nil {
				close(s.rx)
				return
			}
			s.rx <- b[:n]
		}
	}()
	return s
}

// expect collects received bytes until they total len(want).
func (s *server) expect(t *testing.T, want []byte) {
	t.Helper()
	var got []byte
	for len(got) < len(want) {
		select {
		case b, ok := <-s.rx:
			if !ok {
				t.Fatalf("server closed, got %v", got)
			}
			got = append(got, b...)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v want %v", got, want)
		}
	}
	assert.Equal(t, want, got)
}

func setup(t *testing.T, mode telnet.Mode) (*telnet.Conn, *server) {
	c1, c2 := net.Pipe()
	s := newServer(c2)
	c, err := telnet.NewConn(c1, telnet.WithMode(mode))
	require.Nil(t, err)
	if mode == telnet.ModeBinary {
		s.expect(t, initBinary)
	} else {
		s.expect(t, initText)
	}
	return c, s
}

func read(t *testing.T, c *telnet.Conn, want string) {
	t.Helper()
	var got []byte
	for len(got) < len(want) {
		b := make([]byte, 64)
		n, err := c.Read(b)
		require.Nil(t, err)
		got = append(got, b[:n]...)
	}
	assert.Equal(t, want, string(got))
}

func TestNegotiation(t *testing.T) {
	patterns := []struct {
		name  string
		mode  telnet.Mode
		in    []byte
		reply []byte
	}{
		{"terminal type", telnet.ModeBinary, []byte{iac, do, 24}, []byte{iac, will, 24}},
		{"remote echo", telnet.ModeBinary, []byte{iac, will, 1}, []byte{iac, do, 1}},
		{"local echo", telnet.ModeBinary, []byte{iac, do, 1}, []byte{iac, wont, 1}},
		{"unknown do", telnet.ModeBinary, []byte{iac, do, 32}, []byte{iac, wont, 32}},
		{"unknown will", telnet.ModeBinary, []byte{iac, will, 32}, []byte{iac, dont, 32}},
		{"binary refused in text", telnet.ModeText, []byte{iac, will, 0}, []byte{iac, dont, 0}},
		{"sga disabled", telnet.ModeText, []byte{iac, dont, 3}, []byte{iac, wont, 3}},
		{"terminal type send", telnet.ModeBinary,
			[]byte{iac, sb, 24, 1, iac, se},
			[]byte{iac, sb, 24, 0, 'V', 'T', '1', '0', '0', iac, se}},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			c, s := setup(t, p.mode)
			defer c.Close()
			go s.conn.Write(append(append([]byte("A"), p.in...), 'B'))
			read(t, c, "AB")
			s.expect(t, p.reply)
		}
		t.Run(p.name, f)
	}
}

func TestNegotiationNoLoop(t *testing.T) {
	c, s := setup(t, telnet.ModeBinary)
	defer c.Close()
	// already agreed options are not acknowledged again
	go s.conn.Write([]byte{iac, do, 3, iac, will, 3, iac, do, 0, 'X'})
	read(t, c, "X")
	select {
	case b := <-s.rx:
		t.Errorf("unexpected reply %v", b)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReadEscapes(t *testing.T) {
	patterns := []struct {
		name string
		mode telnet.Mode
		in   []byte
		out  string
	}{
		{"plain", telnet.ModeBinary, []byte("OK\r\n"), "OK\r\n"},
		{"iac iac", telnet.ModeBinary, []byte{'a', iac, iac, 'b'}, "a\xffb"},
		{"nop", telnet.ModeBinary, []byte{'a', iac, 241, 'b'}, "ab"},
		{"cr nul", telnet.ModeText, []byte{'>', '\r', 0, 'x'}, ">\rx"},
		{"cr lf", telnet.ModeText, []byte("OK\r\n"), "OK\r\n"},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			c, s := setup(t, p.mode)
			defer c.Close()
			go s.conn.Write(p.in)
			read(t, c, p.out)
		}
		t.Run(p.name, f)
	}
}

func TestWrite(t *testing.T) {
	patterns := []struct {
		name string
		mode telnet.Mode
		in   []byte
		out  []byte
	}{
		{"command", telnet.ModeBinary, []byte("AT\r"), []byte("AT\r")},
		{"iac", telnet.ModeBinary, []byte{'a', iac}, []byte{'a', iac, iac}},
		{"text cr", telnet.ModeText, []byte("AT\r"), []byte{'A', 'T', '\r', 0}},
		{"text crlf", telnet.ModeText, []byte("AT\r\n"), []byte("AT\r\n")},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			c, s := setup(t, p.mode)
			defer c.Close()
			n, err := c.Write(p.in)
			require.Nil(t, err)
			assert.Equal(t, len(p.in), n)
			s.expect(t, p.out)
		}
		t.Run(p.name, f)
	}
}

func TestDial(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer l.Close()
	accepted := make(chan []byte, 1)
	go func() {
		sc, err := l.Accept()
		if err != nil {
			return
		}
		defer sc.Close()
		b := make([]byte, len(initBinary))
		n, _ := sc.Read(b)
		accepted <- b[:n]
	}()
	addr := l.Addr().(*net.TCPAddr)
	d := telnet.Dialer{Host: "127.0.0.1", Port: addr.Port}
	c, err := d.Dial(context.Background())
	require.Nil(t, err)
	defer c.Close()
	select {
	case b := <-accepted:
		assert.True(t, bytes.HasPrefix(initBinary, b))
	case <-time.After(time.Second):
		t.Fatal("no connection")
	}
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	d := telnet.Dialer{Host: "127.0.0.1", Port: addr.Port, Timeout: 100 * time.Millisecond}
	c, err := d.Dial(context.Background())
	assert.NotNil(t, err)
	assert.Nil(t, c)
}

func TestParseMode(t *testing.T) {
	patterns := []struct {
		in   string
		mode telnet.Mode
		ok   bool
	}{
		{"", telnet.ModeBinary, true},
		{"binary", telnet.ModeBinary, true},
		{"Text", telnet.ModeText, true},
		{"ascii", telnet.ModeBinary, false},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			m, err := telnet.ParseMode(p.in)
			assert.Equal(t, p.mode, m)
			assert.Equal(t, p.ok, err == nil)
		}
		t.Run(p.in, f)
	}
	assert.Equal(t, "text", telnet.ModeText.String())
	assert.Equal(t, "binary", telnet.ModeBinary.String())
}

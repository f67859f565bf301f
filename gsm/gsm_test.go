// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

//
// Test suite for GSM module.
//
// Note that these tests provide a mockModem which does not attempt to emulate
// a serial modem, but which provides responses required to exercise gsm.go So,
// while the commands may follow the structure of the AT protocol they most
// certainly are not AT commands - just patterns that elicit the behaviour
// required for the test.

package gsm_test

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsalarm/at"
	"github.com/warthog618/smsalarm/gsm"
	"github.com/warthog618/smsalarm/pdu"
	"github.com/warthog618/smsalarm/trace"
)

func TestNew(t *testing.T) {
	g, mm := setupModem(t, nil)
	defer teardownModem(mm)
	require.NotNil(t, g)
	select {
	case <-g.Closed():
		t.Error("modem closed")
	default:
	}
}

func TestReset(t *testing.T) {
	cmdSet := map[string][]string{
		"ATZ\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet, gsm.WithResetTiming(time.Millisecond, time.Millisecond))
	defer teardownModem(mm)
	err := g.Reset(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, []string{"\x1b", "+++", "ATZ\r"}, mm.writes())

	// ATZ ignored by the modem
	cmdSet["ATZ\r"] = []string{""}
	g, mm = setupModem(t, cmdSet,
		gsm.WithResetTiming(time.Millisecond, time.Millisecond),
		gsm.WithATOptions(at.WithTimeout(10*time.Millisecond)))
	defer teardownModem(mm)
	err = g.Reset(context.Background())
	assert.Nil(t, err)

	// cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = g.Reset(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestEchoOff(t *testing.T) {
	g, mm := setupModem(t, nil)
	defer teardownModem(mm)
	// modem rejects ATE0, which is ignored
	g.EchoOff(context.Background())
	assert.Equal(t, []string{"ATE0\r"}, mm.writes())
}

func TestVerboseErrors(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CMEE=1\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	assert.Nil(t, g.VerboseErrors(context.Background()))
}

func TestParseSIMState(t *testing.T) {
	patterns := []struct {
		name  string
		text  string
		state gsm.SIMState
	}{
		{"ready", "+CPIN: READY\nOK\n", gsm.SIMReady},
		{"pin", "+CPIN: SIM PIN\nOK\n", gsm.SIMPIN},
		{"pin2", "+CPIN: SIM PIN2\nOK\n", gsm.SIMPIN2},
		{"busy", "+CPIN: BUSY\nOK\n", gsm.SIMBusy},
		{"puk", "+CPIN: SIM PUK\nOK\n", gsm.SIMUnknown},
		{"error", "+CME ERROR: 10\n", gsm.SIMUnknown},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.state, gsm.ParseSIMState(p.text))
		}
		t.Run(p.name, f)
	}
}

func TestSIMStatus(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CPIN?\r": {"\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	rsp, err := g.SIMStatus(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, gsm.SIMPIN, gsm.ParseSIMState(rsp.Text))

	cmdSet["AT+CPIN?\r"] = []string{"\r\n+CME ERROR: 10\r\n"}
	rsp, err = g.SIMStatus(context.Background())
	assert.Equal(t, at.CMEError(10), err)
	assert.Equal(t, gsm.SIMUnknown, gsm.ParseSIMState(rsp.Text))
}

func TestEnterPIN(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CPIN=\"1234\"\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	assert.Nil(t, g.EnterPIN(context.Background(), "1234"))
	assert.Equal(t, at.ErrError, g.EnterPIN(context.Background(), "4321"))
}

func TestRegistered(t *testing.T) {
	patterns := []struct {
		name       string
		rsp        []string
		registered bool
		err        error
	}{
		{"home", []string{"\r\n+CREG: 0,1\r\n\r\nOK\r\n"}, true, nil},
		{"roaming", []string{"\r\n+CREG: 0,5\r\n\r\nOK\r\n"}, true, nil},
		{"searching", []string{"\r\n+CREG: 0,2\r\n\r\nOK\r\n"}, false, nil},
		{"with location", []string{"\r\n+CREG: 2,1,\"00C3\",\"0010\"\r\n\r\nOK\r\n"}, true, nil},
		{"malformed", []string{"\r\n+CREG: x\r\n\r\nOK\r\n"}, false, nil},
		{"error", []string{"\r\nERROR\r\n"}, false, nil},
		{"timeout", []string{""}, false, at.ErrTimeout},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			cmdSet := map[string][]string{"AT+CREG?\r": p.rsp}
			g, mm := setupModem(t, cmdSet, gsm.WithATOptions(at.WithTimeout(20*time.Millisecond)))
			defer teardownModem(mm)
			registered, err := g.Registered(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.registered, registered)
		}
		t.Run(p.name, f)
	}
}

func TestSignalLevel(t *testing.T) {
	patterns := []struct {
		name  string
		rsp   []string
		level int
		err   error
	}{
		{"good", []string{"\r\n+CSQ: 20,99\r\n\r\nOK\r\n"}, -73, nil},
		{"weak", []string{"\r\n+CSQ: 0,0\r\n\r\nOK\r\n"}, -113, nil},
		{"empty", []string{"\r\n+CSQ: ,99\r\n\r\nOK\r\n"}, 0, nil},
		{"malformed", []string{"\r\n+CSQ\r\n\r\nOK\r\n"}, 0, nil},
		{"error", []string{"\r\nERROR\r\n"}, 0, nil},
		{"timeout", []string{""}, 0, at.ErrTimeout},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			cmdSet := map[string][]string{"AT+CSQ\r": p.rsp}
			g, mm := setupModem(t, cmdSet, gsm.WithATOptions(at.WithTimeout(20*time.Millisecond)))
			defer teardownModem(mm)
			level, err := g.SignalLevel(context.Background())
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.level, level)
		}
		t.Run(p.name, f)
	}
}

func TestOperator(t *testing.T) {
	patterns := []struct {
		name     string
		rsp      []string
		operator string
	}{
		{"named", []string{"\r\n+COPS: 0,0,\"Telstra Mobile\",2\r\n\r\nOK\r\n"}, "Telstra Mobile"},
		{"unnamed", []string{"\r\n+COPS: 0\r\n\r\nOK\r\n"}, gsm.UnknownOperator},
		{"unprefixed", []string{"\r\n\"Telstra\"\r\n\r\nOK\r\n"}, gsm.UnknownOperator},
		{"error", []string{"\r\n+CME ERROR: 30\r\n"}, gsm.UnknownOperator},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			cmdSet := map[string][]string{"AT+COPS?\r": p.rsp}
			g, mm := setupModem(t, cmdSet)
			defer teardownModem(mm)
			operator, err := g.Operator(context.Background())
			assert.Nil(t, err)
			assert.Equal(t, p.operator, operator)
		}
		t.Run(p.name, f)
	}
}

func TestSetIndications(t *testing.T) {
	patterns := []struct {
		name string
		caps string
		cmd  string
		err  error
	}{
		{"mode 3", "(0-3),(0-3),(0,2),(0-2),(0,1)", "AT+CNMI=3,2,0,0,0\r", nil},
		{"mode 2", "(0-2),(0-3),(0,2),(0-2),(0,1)", "AT+CNMI=2,2,0,0,0\r", nil},
		{"mode list", "(0,2),(0,2),(0),(0),(0)", "AT+CNMI=2,2,0,0,0\r", nil},
		{"no mode", "(0,1),(0-3),(0,2),(0-2),(0,1)", "", gsm.ErrIndicationsUnsupported},
		{"no mt", "(0-3),(0,1),(0,2),(0-2),(0,1)", "", gsm.ErrIndicationsUnsupported},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			cmdSet := map[string][]string{
				"AT+CNMI=?\r": {"\r\n+CNMI: " + p.caps + "\r\n\r\nOK\r\n"},
			}
			if p.cmd != "" {
				cmdSet[p.cmd] = []string{"\r\nOK\r\n"}
			}
			g, mm := setupModem(t, cmdSet)
			defer teardownModem(mm)
			err := g.SetIndications(context.Background())
			if p.err == nil {
				assert.Nil(t, err)
			} else {
				assert.True(t, errors.Is(err, p.err), err)
			}
			w := mm.writes()
			if p.cmd != "" {
				assert.Equal(t, []string{"AT+CNMI=?\r", p.cmd}, w)
			} else {
				assert.Equal(t, []string{"AT+CNMI=?\r"}, w)
			}
		}
		t.Run(p.name, f)
	}
}

func TestSetIndicationsMalformed(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CNMI=?\r": {"\r\n+CNMI: 0,1\r\n\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	err := g.SetIndications(context.Background())
	assert.True(t, errors.Is(err, gsm.ErrMalformedResponse), err)

	cmdSet["AT+CNMI=?\r"] = []string{"\r\nERROR\r\n"}
	err = g.SetIndications(context.Background())
	assert.Equal(t, at.ErrError, err)
}

func TestSetPDUMode(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CMGF=0\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	assert.Nil(t, g.SetPDUMode(context.Background()))

	cmdSet["AT+CMGF=0\r"] = []string{"\r\n+CMS ERROR: 303\r\n"}
	assert.Equal(t, at.CMSError(303), g.SetPDUMode(context.Background()))
}

func TestSetSCA(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CSCA=\"+61418706700\"\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	assert.Nil(t, g.SetSCA(context.Background(), "+61418706700"))
}

func TestSendMessage(t *testing.T) {
	sca := "+61418706700"
	segs, err := pdu.Encode("+61412345678", "hello", pdu.WithSCA(sca))
	require.Nil(t, err)
	require.Len(t, segs, 1)
	cmgs := "AT+CMGS=" + strconv.Itoa(segs[0].Size) + "\r"
	patterns := []struct {
		name string
		rsp  []string
		mrs  []int
		err  error
	}{
		{"ok", []string{"\r\n+CMGS: 42\r\n\r\nOK\r\n"}, []int{42}, nil},
		{"no mr", []string{"\r\nOK\r\n"}, []int{0}, nil},
		{"cms error", []string{"\r\n+CMS ERROR: 500\r\n"}, []int{}, at.CMSError(500)},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			cmdSet := map[string][]string{
				cmgs:                 {"\r\n> "},
				segs[0].Hex + "\x1a": p.rsp,
			}
			g, mm := setupModem(t, cmdSet, gsm.WithSCA(sca))
			defer teardownModem(mm)
			mrs, err := g.SendMessage(context.Background(), "+61412345678", "hello")
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.mrs, mrs)
			assert.Equal(t, []string{cmgs, segs[0].Hex + "\x1a"}, mm.writes())
		}
		t.Run(p.name, f)
	}
}

func TestSendMessageEmpty(t *testing.T) {
	g, mm := setupModem(t, nil)
	defer teardownModem(mm)
	mrs, err := g.SendMessage(context.Background(), "+61412345678", "")
	assert.Equal(t, pdu.ErrEmptyMessage, err)
	assert.Nil(t, mrs)
	assert.Nil(t, mm.writes())
}

func TestAckMessage(t *testing.T) {
	cmdSet := map[string][]string{
		"AT+CNMA\r": {"\r\nOK\r\n"},
	}
	g, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	assert.Nil(t, g.AckMessage(context.Background()))
	assert.Equal(t, []string{"AT+CNMA\r"}, mm.writes())

	// rejected ack re-enables indications
	cmdSet["AT+CNMA\r"] = []string{"\r\n+CMS ERROR: 340\r\n"}
	cmdSet["AT+CNMI=?\r"] = []string{"\r\n+CNMI: (0-2),(0-3),(0,2),(0-2),(0,1)\r\n\r\nOK\r\n"}
	cmdSet["AT+CNMI=2,2,0,0,0\r"] = []string{"\r\nOK\r\n"}
	assert.Equal(t, at.CMSError(340), g.AckMessage(context.Background()))
	assert.Equal(t, []string{"AT+CNMA\r", "AT+CNMI=?\r", "AT+CNMI=2,2,0,0,0\r"}, mm.writes())
}

type mockModem struct {
	cmdSet  map[string][]string
	closed  bool
	written chan string
	// The buffer emulating characters emitted by the modem.
	r chan []byte
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if data == nil {
		return 0, io.EOF
	}
	copy(p, data) // assumes p is empty
	if !ok {
		return len(data), errors.New("closed with data")
	}
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("closed")
	}
	m.written <- string(p)
	v, ok := m.cmdSet[string(p)]
	if !ok {
		if len(p) > 2 && string(p[:2]) == "AT" {
			m.r <- []byte("\r\nERROR\r\n")
		}
		return len(p), nil
	}
	for _, l := range v {
		if len(l) == 0 {
			continue
		}
		m.r <- []byte(l)
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	if !m.closed {
		m.closed = true
		close(m.r)
	}
	return nil
}

// writes returns the writes recorded so far.
func (m *mockModem) writes() []string {
	var w []string
	for {
		select {
		case l := <-m.written:
			w = append(w, l)
		default:
			return w
		}
	}
}

func setupModem(t *testing.T, cmdSet map[string][]string, options ...gsm.Option) (*gsm.GSM, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 10), written: make(chan string, 100)}
	var modem io.ReadWriter = mm
	debug := false // set to true to enable tracing of the flow to the mockModem.
	if debug {
		modem = trace.New(modem)
	}
	g := gsm.New(modem, options...)
	require.NotNil(t, g)
	return g, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}

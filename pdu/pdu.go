// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package pdu converts between message text and the hex encoded SMS PDUs
// exchanged with a modem in PDU mode.
package pdu

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Segment is one SMS-SUBMIT PDU ready to be submitted to the modem.
type Segment struct {
	// Hex is the hex encoded PDU, including the SMSC address.
	Hex string

	// Size is the length of the PDU in octets, excluding the SMSC address,
	// as required by +CMGS.
	Size int
}

// Message is a received SMS.
type Message struct {
	// From is the originating address, as received.
	From string

	Text string
}

// Type of address values for the SMSC address.
const (
	toaInternational = 0x91
	toaUnknown       = 0x81
)

// Concatenation information element identifiers.
const (
	ieConcat8  = 0x00
	ieConcat16 = 0x08
)

var (
	// ErrNotDeliver indicates a received PDU was not an SMS-DELIVER.
	ErrNotDeliver = errors.New("not an SMS-DELIVER")

	// ErrEmptyMessage indicates there is no text to encode.
	ErrEmptyMessage = errors.New("empty message")
)

type encoder struct {
	sca string
	ref int
}

// EncodeOption modifies the behaviour of Encode.
type EncodeOption func(*encoder)

// WithSCA specifies the service centre address prefixed to the PDUs.
//
// By default the PDUs carry an empty SMSC address, so the modem uses its
// configured service centre.
func WithSCA(sca string) EncodeOption {
	return func(e *encoder) {
		e.sca = sca
	}
}

// WithConcatRef specifies the reference shared by the segments of a
// multi-part message.
//
// By default a random reference is used.
func WithConcatRef(ref byte) EncodeOption {
	return func(e *encoder) {
		e.ref = int(ref)
	}
}

// Encode encodes the text as one or more SMS-SUBMIT PDUs addressed to number.
//
// The number should be in E.164 form.  Multi-part messages share a single
// concatenation reference.
func Encode(number, text string, options ...EncodeOption) ([]Segment, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	e := encoder{ref: -1}
	for _, option := range options {
		option(&e)
	}
	if e.ref < 0 {
		e.ref = rand.Intn(256)
	}
	tpdus, err := sms.Encode([]byte(text), sms.AsSubmit, sms.To(number))
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	smsc := smscAddress(e.sca)
	segs := make([]Segment, 0, len(tpdus))
	for i := range tpdus {
		t := &tpdus[i]
		if len(tpdus) > 1 {
			setConcatRef(t, e.ref)
		}
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal")
		}
		p := pdumode.PDU{SMSC: smsc, TPDU: b}
		s, err := p.MarshalHexString()
		if err != nil {
			return nil, errors.Wrap(err, "marshal")
		}
		segs = append(segs, Segment{Hex: s, Size: SubmitSize(s, e.sca)})
	}
	return segs, nil
}

// SubmitSize returns the size of the hex encoded PDU in octets, excluding the
// SMSC address field.
//
// The SMSC field is one length octet, one type octet, and the semi-octet
// encoded digits of the address, or a single zero length octet if the
// address is empty.
func SubmitSize(hexPDU, sca string) int {
	size := len(hexPDU) / 2
	digits := len(strings.TrimPrefix(sca, "+"))
	if digits == 0 {
		return size - 1
	}
	if digits%2 != 0 {
		digits++
	}
	smscLen := (2 + digits) / 2
	return size - smscLen - 1
}

// Decode decodes a received PDU as reported by +CMT.
//
// The length is the TPDU length declared by the modem.  If the hex contains
// only the TPDU, without an SMSC address, an empty SMSC address is assumed.
func Decode(length int, hexPDU string) (*Message, error) {
	if length*2 == len(hexPDU) {
		hexPDU = "00" + hexPDU
	}
	p, err := pdumode.UnmarshalHexString(hexPDU)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal pdu")
	}
	t, err := sms.Unmarshal(p.TPDU)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal tpdu")
	}
	if t.SmsType() != tpdu.SmsDeliver {
		return nil, ErrNotDeliver
	}
	text, err := sms.Decode([]*tpdu.TPDU{t})
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return &Message{From: t.OA.Number(), Text: string(text)}, nil
}

func smscAddress(sca string) pdumode.SMSCAddress {
	if sca == "" {
		return pdumode.SMSCAddress{}
	}
	toa := byte(toaUnknown)
	if strings.HasPrefix(sca, "+") {
		toa = toaInternational
	}
	return pdumode.SMSCAddress{Address: tpdu.Address{TOA: toa, Addr: strings.TrimPrefix(sca, "+")}}
}

// setConcatRef replaces the concatenation reference in the segment's UDH.
func setConcatRef(t *tpdu.TPDU, ref int) {
	for i, ie := range t.UDH {
		switch {
		case ie.ID == ieConcat8 && len(ie.Data) == 3:
			d := append([]byte(nil), ie.Data...)
			d[0] = byte(ref)
			t.UDH[i].Data = d
		case ie.ID == ieConcat16 && len(ie.Data) == 4:
			d := append([]byte(nil), ie.Data...)
			d[0] = 0
			d[1] = byte(ref)
			t.UDH[i].Data = d
		}
	}
}

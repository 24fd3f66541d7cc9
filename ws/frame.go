// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ws

import (
	"encoding/binary"
	"math/rand"

	"github.com/valyala/bytebufferpool"

	"github.com/fio-core/fio/internal/rerrors"
)

// Opcode is an RFC 6455 frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Frame is one decoded RFC 6455 frame (spec.md §4.D "Frame codec").
type Frame struct {
	Fin     bool
	RSV     byte // RSV1-3 packed into bits 2-0; always 0 on write, extensions disabled
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// decodeFrame parses one frame from the head of buf, returning the number of
// bytes consumed. It returns (nil, 0, nil) when buf doesn't yet hold a
// complete frame — the caller must resubmit once more bytes arrive, exactly
// like httpd.Parser.Feed's "bytes consumed" contract (spec.md §4.C parser
// contract, reused here for the framing layer).
func decodeFrame(buf []byte, serverMode bool, maxFramePayload int64) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	rsv := (b0 >> 4) & 0x07
	if rsv != 0 {
		return nil, 0, rerrors.ErrReservedBitsSet
	}
	opcode := Opcode(b0 & 0x0F)
	masked := b1&0x80 != 0
	if serverMode && !masked {
		return nil, 0, rerrors.ErrUnmaskedClientFrame
	}

	payloadLen := uint64(b1 & 0x7F)
	pos := 2
	switch payloadLen {
	case 126:
		if len(buf) < pos+2 {
			return nil, 0, nil
		}
		payloadLen = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case 127:
		if len(buf) < pos+8 {
			return nil, 0, nil
		}
		payloadLen = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
	}
	if maxFramePayload > 0 && int64(payloadLen) > maxFramePayload {
		return nil, 0, rerrors.ErrFrameTooLarge
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < pos+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < payloadLen {
		return nil, 0, nil
	}
	payload := append([]byte(nil), buf[pos:pos+int(payloadLen)]...)
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	pos += int(payloadLen)

	return &Frame{Fin: fin, RSV: rsv, Opcode: opcode, Masked: masked, Payload: payload}, pos, nil
}

// writeFrame renders one RFC 6455 frame into buf (spec.md §4.D "Frame
// writer"). When isClient, a fresh random mask key is generated per frame.
func writeFrame(buf *bytebufferpool.ByteBuffer, payload []byte, opcode Opcode, isFirst, isLast, isClient bool) {
	b0 := byte(opcode)
	if !isFirst {
		b0 = byte(OpContinuation)
	}
	if isLast {
		b0 |= 0x80
	}

	n := len(payload)
	b1 := byte(0)
	if isClient {
		b1 |= 0x80
	}

	head := make([]byte, 0, 14)
	head = append(head, b0)
	switch {
	case n < 126:
		head = append(head, b1|byte(n))
	case n <= 0xFFFF:
		head = append(head, b1|126)
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(n))
		head = append(head, ext...)
	default:
		head = append(head, b1|127)
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(n))
		head = append(head, ext...)
	}

	buf.Write(head)
	if !isClient {
		buf.Write(payload)
		return
	}

	var mask [4]byte
	binary.LittleEndian.PutUint32(mask[:], rand.Uint32())
	buf.Write(mask[:])
	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	buf.Write(masked)
}

// WriteMessage renders payload as one or more frames into buf, fragmenting
// at fragmentLimit bytes per frame when fragmentLimit > 0 (spec.md §4.D
// "Frame writer": "messages larger than a configured fragment limit ... are
// transparently fragmented").
func WriteMessage(buf *bytebufferpool.ByteBuffer, payload []byte, isText, isClient bool, fragmentLimit int) {
	op := OpBinary
	if isText {
		op = OpText
	}
	if fragmentLimit <= 0 || len(payload) <= fragmentLimit {
		writeFrame(buf, payload, op, true, true, isClient)
		return
	}
	for off := 0; off < len(payload); off += fragmentLimit {
		end := off + fragmentLimit
		if end > len(payload) {
			end = len(payload)
		}
		writeFrame(buf, payload[off:end], op, off == 0, end == len(payload), isClient)
	}
}

// WriteControl renders a control frame (ping/pong/close), never fragmented.
func WriteControl(buf *bytebufferpool.ByteBuffer, opcode Opcode, payload []byte, isClient bool) {
	writeFrame(buf, payload, opcode, true, true, isClient)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
)

// buildMaskedClientFrame masks payload the same way a real browser's
// WebSocket implementation does, with a plain RFC 6455 XOR loop written
// here rather than this package's own writeFrame, so decodeFrame's
// server-mode unmasking is checked against independent code rather than
// against itself.
func buildMaskedClientFrame(t *testing.T, opcode byte, payload []byte, key [4]byte) []byte {
	t.Helper()
	masked := append([]byte(nil), payload...)
	for i := range masked {
		masked[i] ^= key[i%4]
	}

	frame := []byte{0x80 | opcode}
	n := len(payload)
	switch {
	case n <= 125:
		frame = append(frame, 0x80|byte(n))
	case n <= 0xFFFF:
		frame = append(frame, 0x80|126, byte(n>>8), byte(n))
	default:
		frame = append(frame, 0x80|127,
			0, 0, 0, 0, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	frame = append(frame, key[:]...)
	frame = append(frame, masked...)
	return frame
}

func TestDecodeFrameUnmasksClientPayload(t *testing.T) {
	payload := []byte("Hello, fio!")
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	raw := buildMaskedClientFrame(t, byte(OpText), payload, key)

	f, consumed, err := decodeFrame(raw, true, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, payload, f.Payload)
	assert.True(t, f.Fin)
	assert.Equal(t, OpText, f.Opcode)
}

func TestDecodeFrameRejectsUnmaskedClientFrame(t *testing.T) {
	payload := []byte("no mask")
	frame := []byte{0x80 | byte(OpText), byte(len(payload))}
	frame = append(frame, payload...)

	_, _, err := decodeFrame(frame, true, 1<<20)
	assert.Error(t, err)
}

func TestDecodeFrameHandlesPartialInput(t *testing.T) {
	payload := []byte("split across reads")
	key := [4]byte{0xaa, 0xbb, 0xcc, 0xdd}
	raw := buildMaskedClientFrame(t, byte(OpBinary), payload, key)

	_, consumed, err := decodeFrame(raw[:len(raw)-3], true, 1<<20)
	assert.NoError(t, err)
	assert.Equal(t, 0, consumed)

	f, consumed, err := decodeFrame(raw, true, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, len(raw), consumed)
	assert.Equal(t, payload, f.Payload)
}

func TestWriteFrameProducesUnmaskedServerFrameGorillaCanRead(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	payload := []byte("server says hi")
	writeFrame(buf, payload, OpText, true, true, false)

	// A gorilla/websocket client expects exactly this layout for a small
	// unmasked text frame: FIN|opcode, length, payload.
	out := buf.Bytes()
	require.True(t, len(out) >= 2)
	assert.Equal(t, byte(0x80|byte(OpText)), out[0])
	assert.Equal(t, byte(len(payload)), out[1])
	assert.Equal(t, payload, out[2:])
}

func TestFragmentedMessageRoundTrip(t *testing.T) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	full := make([]byte, 5000)
	for i := range full {
		full[i] = byte(i)
	}
	WriteMessage(buf, full, false, false, 2048)

	var reassembled []byte
	data := buf.Bytes()
	for len(data) > 0 {
		f, n, err := decodeFrame(data, false, 1<<20)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		reassembled = append(reassembled, f.Payload...)
		data = data[n:]
	}
	assert.Equal(t, full, reassembled)
}

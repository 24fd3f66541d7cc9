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

// Package ws implements RFC 6455 WebSocket framing — the frame codec,
// fragmentation reassembly, the frame writer, and the pub/sub bridge with
// its broadcast optimizer — described in spec.md §4.D. It generalizes the
// teacher's gnet-style single-protocol attachment model (reactor.Protocol)
// to a second protocol an HTTP/1.1 upgrade hands a UUID to.
package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// magicGUID is the RFC 6455 handshake constant.
const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes Sec-WebSocket-Accept from the client's Sec-WebSocket-Key
// (spec.md §4.C "Upgrade handshake"): base64(sha1(key || magicGUID)).
//
// DESIGN.md note: the pack's golang.org/x/crypto does not provide a SHA-1
// package (it re-exports crypto/sha1's algorithm indirectly only through
// higher-level protocols); standard library crypto/sha1 is used here
// instead of inventing a dependency that doesn't exist for this purpose.
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NegotiateSubprotocol picks the first client-offered subprotocol (from a
// comma-separated Sec-WebSocket-Protocol request header) that the
// application supports, echoing facil.io's "the application picks" model
// (SPEC_FULL.md §4 "Sec-WebSocket-Protocol echo"). Returns "" when no offer
// matches or the client sent none.
func NegotiateSubprotocol(offered string, supported []string) string {
	if offered == "" || len(supported) == 0 {
		return ""
	}
	for _, want := range strings.Split(offered, ",") {
		want = strings.TrimSpace(want)
		for _, have := range supported {
			if want == have {
				return have
			}
		}
	}
	return ""
}

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

// Package rerrors collects the sentinel errors shared across the reactor,
// pub/sub bus, HTTP pipeline, WebSocket/SSE layer and Redis engine.
package rerrors

import "errors"

var (
	// ErrEngineShutdown occurs when the reactor is going to be shut down.
	ErrEngineShutdown = errors.New("engine is shutting down")
	// ErrEngineInShutdown occurs when Stop is called more than once.
	ErrEngineInShutdown = errors.New("engine is already in shutdown")
	// ErrAcceptSocket occurs when the acceptor fails to accept a new connection.
	ErrAcceptSocket = errors.New("accept a new connection error")
	// ErrUnsupportedProtocol occurs when dialing/listening with a scheme other than tcp/tcp4/tcp6/unix.
	ErrUnsupportedProtocol = errors.New("only tcp/tcp4/tcp6/unix are supported")
	// ErrUnsupportedOp occurs when calling a method that makes no sense for the platform.
	ErrUnsupportedOp = errors.New("unsupported operation")
	// ErrInvalidUUID occurs when a stale or unknown UUID is used.
	ErrInvalidUUID = errors.New("invalid or stale connection handle")
	// ErrNoProtocolAttached occurs when data arrives on a UUID with no protocol attached.
	ErrNoProtocolAttached = errors.New("no protocol attached to connection")
	// ErrTLSNotCompiled occurs when listen() is asked for TLS but no provider was wired in.
	ErrTLSNotCompiled = errors.New("no TLS provider compiled in")

	// ==================================== HTTP/1.1 parser errors ====================================

	// ErrIncompletePacket means more bytes are needed before the parser can make progress.
	ErrIncompletePacket = errors.New("incomplete packet")
	// ErrHeaderTooLarge means the accumulated header bytes exceeded the configured limit.
	ErrHeaderTooLarge = errors.New("request header too large")
	// ErrTooManyHeaders means the header count exceeded the configured limit.
	ErrTooManyHeaders = errors.New("too many headers")
	// ErrBodyTooLarge means the body exceeded the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrChunkTooLarge means a chunk's leading length exceeded the configured limit.
	ErrChunkTooLarge = errors.New("chunk size too large")
	// ErrConflictingContentLength means two Content-Length headers disagreed.
	ErrConflictingContentLength = errors.New("conflicting content-length headers")
	// ErrMissingHost means an HTTP/1.1 origin-form request carried no Host header.
	ErrMissingHost = errors.New("missing host header")
	// ErrMalformedRequestLine means the request/status line could not be parsed.
	ErrMalformedRequestLine = errors.New("malformed request line")

	// ==================================== WebSocket errors ====================================

	// ErrUnmaskedClientFrame means a server-mode frame arrived without MASK=1.
	ErrUnmaskedClientFrame = errors.New("unmasked frame from client")
	// ErrFrameTooLarge means a frame's declared length exceeded the allowed maximum.
	ErrFrameTooLarge = errors.New("frame payload too large")
	// ErrMessageTooLarge means reassembly exceeded the configured maximum message size.
	ErrMessageTooLarge = errors.New("assembled message too large")
	// ErrBadContinuation means a continuation frame arrived with no message in progress.
	ErrBadContinuation = errors.New("unexpected continuation frame")
	// ErrReservedBitsSet means an RSV bit was set though extensions are disabled.
	ErrReservedBitsSet = errors.New("reserved bits set with no extension negotiated")
	// ErrBadOpcode means a frame carried an opcode outside the RFC 6455 set.
	ErrBadOpcode = errors.New("invalid websocket opcode")

	// ==================================== pub/sub errors ====================================

	// ErrEngineDetached means publish/subscribe was attempted on a detached engine.
	ErrEngineDetached = errors.New("engine is detached")
	// ErrClusterLinkDown means the cluster IPC connection to root is not established.
	ErrClusterLinkDown = errors.New("cluster link to root is down")

	// ==================================== Redis engine errors ====================================

	// ErrRedisProtocol means the byte stream did not conform to RESP.
	ErrRedisProtocol = errors.New("malformed RESP reply")
	// ErrRedisAuthFailed means the server rejected AUTH.
	ErrRedisAuthFailed = errors.New("redis authentication failed")
	// ErrRedisNotConnected means a command was queued with no live connection.
	ErrRedisNotConnected = errors.New("redis connection not established")
)

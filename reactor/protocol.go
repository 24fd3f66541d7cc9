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

package reactor

// Protocol is the capability bundle an application attaches to a UUID.
// Exactly one Protocol is live per UUID at a time; HTTP upgrade gateways
// detach the current Protocol and attach a new one (WebSocket/SSE) on the
// same UUID without closing the underlying fd.
type Protocol interface {
	// OnData fires when bytes are readable on the UUID. The implementation
	// reads via Engine.Read and must not block.
	OnData(uuid UUID)

	// OnReady fires once the outbound queue has fully drained after having
	// been non-empty (backpressure release).
	OnReady(uuid UUID)

	// OnShutdown fires once per protocol when the engine begins a graceful
	// shutdown. Engine.Stop ignores the returned value: every connection is
	// marked for closing right after its OnShutdown returns, with no extra
	// grace time.
	OnShutdown(uuid UUID) (grace int)

	// OnClose fires exactly once, after the fd is closed and no task
	// referencing the UUID remains outstanding.
	OnClose(uuid UUID, err error)

	// Ping fires when the per-connection timeout elapses with no activity.
	// The default behavior for most protocols is to close; HTTP treats it
	// as a no-op and relies on OnShutdown instead.
	Ping(uuid UUID)
}

// Chunk is one link in a connection's outbound byte queue. Exactly one of
// Owned, Borrowed or (File != nil) is meaningful per spec.md §3/4.A.
type Chunk struct {
	Owned    []byte         // a buffer this Chunk exclusively owns
	Borrowed []byte         // a buffer owned by the caller
	Dealloc  func([]byte)   // called once Borrowed has been fully written
	File     *FileChunk     // a byte range of an open file, sent via sendfile-equivalent
}

// FileChunk describes a file byte-range chunk.
type FileChunk struct {
	FD     int
	Offset int64
	Length int64
}

// OwnedChunk wraps a buffer the reactor may freely retain.
func OwnedChunk(b []byte) Chunk { return Chunk{Owned: b} }

// BorrowedChunk wraps a caller-owned buffer with a deallocator invoked after
// the buffer has been fully flushed to the wire.
func BorrowedChunk(b []byte, dealloc func([]byte)) Chunk {
	return Chunk{Borrowed: b, Dealloc: dealloc}
}

// SendfileChunk wraps a file byte-range.
func SendfileChunk(fd int, offset, length int64) Chunk {
	return Chunk{File: &FileChunk{FD: fd, Offset: offset, Length: length}}
}

func (c Chunk) bytes() []byte {
	if c.Owned != nil {
		return c.Owned
	}
	return c.Borrowed
}

func (c Chunk) isFile() bool { return c.File != nil }

func (c Chunk) len() int {
	if c.isFile() {
		return int(c.File.Length)
	}
	return len(c.bytes())
}

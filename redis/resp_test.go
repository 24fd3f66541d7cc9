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

package redis

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESPReaderSimpleString(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString("+OK\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	assert.Equal(t, byte('+'), rep.Kind)
	assert.Equal(t, "OK", rep.Str)
}

func TestRESPReaderError(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString("-ERR unknown command\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	re, isErr := rep.isErr()
	require.True(t, isErr)
	assert.Equal(t, "ERR unknown command", re.Error())
}

func TestRESPReaderInteger(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString(":1000\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rep.Int)
}

func TestRESPReaderBulkString(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString("$5\r\nhello\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	assert.True(t, rep.BulkSet)
	assert.Equal(t, []byte("hello"), rep.Bulk)
}

func TestRESPReaderNullBulk(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString("$-1\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	assert.False(t, rep.BulkSet)
}

func TestRESPReaderArray(t *testing.T) {
	r := newRESPReader(bufio.NewReader(bytes.NewBufferString(
		"*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nhello\r\n")))
	rep, err := r.readReply()
	require.NoError(t, err)
	require.Len(t, rep.Array, 3)
	assert.Equal(t, []byte("message"), rep.Array[0].Bulk)
	assert.Equal(t, []byte("news"), rep.Array[1].Bulk)
	assert.Equal(t, []byte("hello"), rep.Array[2].Bulk)
}

func TestWriteCommandEncodesArrayOfBulkStrings(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, writeCommand(bw, "SUBSCRIBE", "news"))
	require.NoError(t, bw.Flush())
	assert.Equal(t, "*2\r\n$9\r\nSUBSCRIBE\r\n$4\r\nnews\r\n", buf.String())
}

func TestWriteCommandEncodesNumbersAndBooleans(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, writeCommand(bw, "SET", "k", 42, true, nil))
	require.NoError(t, bw.Flush())
	assert.Equal(t, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$2\r\n42\r\n$4\r\ntrue\r\n$-1\r\n", buf.String())
}

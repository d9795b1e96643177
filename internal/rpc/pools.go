// Package rpc implements the line-delimited JSON-RPC protocol served by
// sealrpcd. It provides message parsing, session management and the
// parameter types of the seal.* methods.
package rpc

import (
	"sync"
)

// Object pools for the read path
var (
	messagePool = sync.Pool{
		New: func() any {
			return &Message{}
		},
	}

	// bufferPool backs the per-session line scanner
	bufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 4096)
		},
	}
)

// GetMessage gets a reset Message from the pool
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	msg.ID = nil
	msg.Method = ""
	msg.Params = nil
	msg.Result = nil
	msg.Error = nil
	return msg
}

// PutMessage returns a Message to the pool
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// GetBuffer gets a byte buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a byte buffer to the pool. Buffers grown past the
// default size are dropped.
func PutBuffer(buf []byte) {
	if buf != nil && cap(buf) == 4096 {
		bufferPool.Put(buf[:cap(buf)])
	}
}

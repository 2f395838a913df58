// Package server is the producer-facing transport. Every websocket
// connection is one channel; frames arrive as msgpack envelopes and are fed
// to the channel's transfer session, completed values become deliveries.
package server

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Producer to server methods.
const (
	MethodDownload         = "download"
	MethodCancelTask       = "cancelTask"
	MethodCancelAllTasks   = "cancelAllTasks"
	MethodGetTasksInfo     = "getTasksInfo"
	MethodEndTask          = "endTask"
	MethodSaveURLs         = "saveUrls"
	MethodDisableCloudAuth = "disableCloudAuth"
	MethodPromptReply      = "prompt.reply"
)

// Server to producer methods.
const (
	MethodContentDownload = "content.download"
	MethodContentPrompt   = "content.prompt"
	MethodTaskEnd         = "task.end"
	MethodTaskError       = "task.error"
	MethodTaskProgress    = "task.progress"
	MethodReply           = "reply"
)

// Envelope is one websocket message in either direction. Replies echo the
// request ID.
type Envelope struct {
	Method  string   `msgpack:"method"`
	ID      uint64   `msgpack:"id,omitempty"`
	TaskID  string   `msgpack:"task_id,omitempty"`
	Data    []byte   `msgpack:"data,omitempty"`
	URLs    []string `msgpack:"urls,omitempty"`
	BlobURL string   `msgpack:"blob_url,omitempty"`
	Value   any      `msgpack:"value"`
	Error   string   `msgpack:"error,omitempty"`
}

// TaskEvent is the value of task.* envelopes.
type TaskEvent struct {
	Sink     string `msgpack:"sink,omitempty"`
	Filename string `msgpack:"filename,omitempty"`
	Locator  string `msgpack:"locator,omitempty"`
	Skipped  bool   `msgpack:"skipped,omitempty"`
	Category string `msgpack:"category,omitempty"`
	Sent     int64  `msgpack:"sent,omitempty"`
	Total    int64  `msgpack:"total,omitempty"`
}

func marshal(env *Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("server: encoding %s envelope: %w", env.Method, err)
	}

	return b, nil
}

func unmarshal(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("server: decoding envelope: %w", err)
	}

	return &env, nil
}

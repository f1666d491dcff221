package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// shardMessageType tags one line of a shard subprocess's stdout IPC
// stream. The parent Runner process is the only writer of real-time and
// final-summary rows to the database; shard children never talk to
// Store directly (see shard_process.go).
type shardMessageType string

const (
	shardMessageRealtime shardMessageType = "realtime"
	shardMessageFinal    shardMessageType = "final"
)

type shardMessage struct {
	Type     shardMessageType    `json:"type"`
	Realtime *models.RealtimeRow `json:"realtime,omitempty"`
	Final    *models.FinalSummary `json:"final,omitempty"`
}

// ipcRealtimeWriter implements metrics.RealtimeWriter by emitting one
// JSON line per row to an underlying writer (a shard subprocess's
// stdout), serialized against concurrent flush calls.
type ipcRealtimeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (i *ipcRealtimeWriter) WriteRealtimeRow(row models.RealtimeRow) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return writeShardMessage(i.w, shardMessage{Type: shardMessageRealtime, Realtime: &row})
}

func writeShardFinal(w io.Writer, summary models.FinalSummary) error {
	return writeShardMessage(w, shardMessage{Type: shardMessageFinal, Final: &summary})
}

func writeShardMessage(w io.Writer, msg shardMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding shard message: %w", err)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// readShardStream decodes newline-delimited shardMessages from r,
// invoking onRealtime/onFinal as each arrives. It returns once r is
// exhausted (the shard subprocess closed its stdout).
func readShardStream(r io.Reader, onRealtime func(models.RealtimeRow), onFinal func(models.FinalSummary)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg shardMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case shardMessageRealtime:
			if msg.Realtime != nil && onRealtime != nil {
				onRealtime(*msg.Realtime)
			}
		case shardMessageFinal:
			if msg.Final != nil && onFinal != nil {
				onFinal(*msg.Final)
			}
		}
	}
	return scanner.Err()
}

// Package persistence provides the durability layer for one room: an
// append-only command log with fsync on every write, plus a two-line
// checkpoint that lets the log be truncated.
package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhalloran/gridgame/internal/engine"
	"github.com/mhalloran/gridgame/internal/utils"
)

// CheckpointThreshold is the log length past which the next append triggers
// a checkpoint and log truncation.
const CheckpointThreshold = 100

// CommandLog owns one room's log and checkpoint files. It is driven from the
// room server's scheduling goroutine and is not safe for concurrent use.
type CommandLog struct {
	log      *utils.Logger
	file     *os.File
	path     string
	ckptPath string
	length   int
}

// Open opens (or creates) the command log at path. The checkpoint lives at
// ckptPath and is only touched by Checkpoint and Load.
func Open(logger *utils.Logger, path, ckptPath string) (*CommandLog, error) {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open command log %s: %w", path, err)
	}
	return &CommandLog{
		log:      logger,
		file:     f,
		path:     path,
		ckptPath: ckptPath,
	}, nil
}

// Append durably records one command: one JSON line, flushed and fsynced
// before returning.
func (cl *CommandLog) Append(ctx context.Context, entry map[string]interface{}) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if _, err := cl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to command log: %w", err)
	}
	if err := cl.file.Sync(); err != nil {
		return fmt.Errorf("failed to fsync command log: %w", err)
	}
	cl.length++
	return nil
}

// Length returns the number of entries appended since the last truncation.
func (cl *CommandLog) Length() int { return cl.length }

// Checkpoint writes the engine's state as two JSON lines to a fresh file,
// atomically renames it over the checkpoint, then truncates the log. On any
// failure the old checkpoint and the log are left intact; the next
// successful checkpoint recovers.
func (cl *CommandLog) Checkpoint(ctx context.Context, ck engine.Checkpointer) error {
	ctx, span := otel.Tracer("persistence").Start(ctx, "checkpoint",
		trace.WithAttributes(attribute.String("ckpt.path", cl.ckptPath)))
	defer span.End()

	room, clients, err := ck.MarshalCheckpoint()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal checkpoint")
		return err
	}

	tmp := cl.ckptPath + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create checkpoint file")
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", room, clients); err != nil {
		f.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write checkpoint")
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close checkpoint")
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, cl.ckptPath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to replace checkpoint")
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	if err := cl.truncate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to truncate log")
		return err
	}
	span.SetStatus(codes.Ok, "checkpoint written")
	cl.log.Info(ctx, "Created new checkpoint %s and truncated log", cl.ckptPath)
	return nil
}

// truncate resets the log once a checkpoint covers it. The file stays open.
func (cl *CommandLog) truncate() error {
	if err := cl.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate command log: %w", err)
	}
	cl.length = 0
	return nil
}

// Load restores engine state: checkpoint first, then a replay of every log
// entry through apply. Malformed checkpoints and unparseable log lines are
// logged and skipped; the engine's initial random state stands in that case.
//
// apply receives the method and client of each entry. Broadcast addresses
// recorded in old entries are deliberately dropped: they are stale after a
// restart.
func (cl *CommandLog) Load(ctx context.Context, ck engine.Checkpointer, apply func(method string, client interface{})) error {
	cl.loadCheckpoint(ctx, ck)
	return cl.replay(ctx, apply)
}

func (cl *CommandLog) loadCheckpoint(ctx context.Context, ck engine.Checkpointer) {
	data, err := os.ReadFile(cl.ckptPath)
	if errors.Is(err, os.ErrNotExist) {
		cl.log.Info(ctx, "No checkpoint found, loading an empty room")
		return
	}
	if err != nil {
		cl.log.Error(ctx, "Failed to read checkpoint %s: %v", cl.ckptPath, err)
		return
	}

	lines := splitCheckpointLines(data)
	if len(lines) != 2 {
		cl.log.Error(ctx, "malformed ckpt file %s: expected 2 lines, got %d", cl.ckptPath, len(lines))
		return
	}
	if err := ck.RestoreCheckpoint(lines[0], lines[1]); err != nil {
		cl.log.Warn(ctx, "tried to load malformed checkpoint: %v", err)
	}
}

func (cl *CommandLog) replay(ctx context.Context, apply func(method string, client interface{})) error {
	if _, err := cl.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek command log: %w", err)
	}

	scanner := bufio.NewScanner(cl.file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cl.length++
		var entry struct {
			Method string      `json:"method"`
			Client interface{} `json:"client"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			cl.log.Error(ctx, "failed to parse json: %v", err)
			cl.log.Warn(ctx, "dropped line %s", line)
			continue
		}
		apply(entry.Method, entry.Client)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read command log: %w", err)
	}

	// back to the end so appends stay in order
	if _, err := cl.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek command log: %w", err)
	}
	return nil
}

// Close releases the log file handle.
func (cl *CommandLog) Close() error {
	return cl.file.Close()
}

// splitCheckpointLines splits on newlines, dropping a trailing empty line.
func splitCheckpointLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

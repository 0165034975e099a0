// Package sink holds the per-call side channels of the bridge: best-effort
// call recording, cost accounting, and transcript capture. Nothing in this
// package may fail the call; errors are logged, retried, or dead-lettered.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
)

const (
	// flushBytes triggers a flush when a direction buffer reaches this size.
	flushBytes = 48 * 1024

	// flushAge triggers a flush when the oldest unflushed byte gets this old.
	flushAge = time.Second

	// maxLoggedFailures caps consecutive write-failure log lines per call.
	// Recording is best-effort; a dead Redis must not flood the log.
	maxLoggedFailures = 3

	flushTimeout = 2 * time.Second
)

// Recorder batches caller and agent audio into per-direction buffers and
// flushes them to the KV store. It is safe for concurrent use by the ingress
// and pacer tasks.
type Recorder struct {
	store  kv.Store
	callID string
	log    *slog.Logger

	mu       sync.Mutex
	buffers  map[kv.Direction]*recBuffer
	failures int
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

type recBuffer struct {
	data  []byte
	since time.Time
}

// NewRecorder starts a recorder for one call. The background flusher runs
// until Close.
func NewRecorder(store kv.Store, callID string, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		callID: callID,
		log:    log,
		buffers: map[kv.Direction]*recBuffer{
			kv.DirectionIn:  {},
			kv.DirectionOut: {},
		},
		done: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop()
	return r
}

// Append adds one audio frame to the direction's buffer, flushing when the
// size threshold is reached.
func (r *Recorder) Append(dir kv.Direction, pcm []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	buf := r.buffers[dir]
	if len(buf.data) == 0 {
		buf.since = time.Now()
	}
	buf.data = append(buf.data, pcm...)
	var flush []byte
	if len(buf.data) >= flushBytes {
		flush = buf.data
		buf.data = nil
	}
	r.mu.Unlock()

	if flush != nil {
		r.write(dir, flush)
	}
}

// flushLoop ages out partial buffers so short calls still get recorded
// promptly.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.flushAged()
		}
	}
}

func (r *Recorder) flushAged() {
	type pending struct {
		dir  kv.Direction
		data []byte
	}
	var toWrite []pending

	r.mu.Lock()
	for dir, buf := range r.buffers {
		if len(buf.data) > 0 && time.Since(buf.since) >= flushAge {
			toWrite = append(toWrite, pending{dir, buf.data})
			buf.data = nil
		}
	}
	r.mu.Unlock()

	for _, p := range toWrite {
		r.write(p.dir, p.data)
	}
}

func (r *Recorder) write(dir kv.Direction, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	err := r.store.AppendAudio(ctx, r.callID, dir, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		if r.failures <= maxLoggedFailures {
			r.log.Warn("recording flush failed",
				"call_id", r.callID,
				"direction", string(dir),
				"bytes", len(data),
				"consecutive_failures", r.failures,
				"error", err,
			)
		}
		return
	}
	r.failures = 0
}

// Close flushes remaining buffers and stops the flusher. Idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	type pending struct {
		dir  kv.Direction
		data []byte
	}
	var toWrite []pending
	for dir, buf := range r.buffers {
		if len(buf.data) > 0 {
			toWrite = append(toWrite, pending{dir, buf.data})
			buf.data = nil
		}
	}
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, p := range toWrite {
		r.write(p.dir, p.data)
	}
}

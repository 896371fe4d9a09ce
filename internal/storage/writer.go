package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunStore persists finished runs.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
}

// RunWriter records runs asynchronously so persistence never delays a
// response. Entries are dropped when the buffer is full.
type RunWriter struct {
	store       RunStore
	ch          chan *Run
	wg          sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
	maxRetries  int
	baseBackoff time.Duration
}

func NewRunWriter(store RunStore, bufferSize int) *RunWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &RunWriter{
		store:       store,
		ch:          make(chan *Run, bufferSize),
		done:        make(chan struct{}),
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
	}
}

func (w *RunWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues run for writing and reports whether it was accepted.
func (w *RunWriter) Log(run *Run) bool {
	select {
	case <-w.done:
		log.Warn().Str("run_id", run.ID).Msg("run writer closed, dropping run")
		return false
	default:
	}

	select {
	case w.ch <- run:
		return true
	default:
		log.Warn().Str("run_id", run.ID).Msg("run buffer full, dropping entry")
		return false
	}
}

// Flush stops accepting runs and waits up to timeout for queued ones.
func (w *RunWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("run writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("run writer flush timed out")
	}
}

func (w *RunWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case run := <-w.ch:
			w.writeWithRetry(run)
		case <-w.done:
			for {
				select {
				case run := <-w.ch:
					w.writeWithRetry(run)
				default:
					return
				}
			}
		}
	}
}

func (w *RunWriter) writeWithRetry(run *Run) {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.InsertRun(ctx, run)
		cancel()

		if err == nil {
			return
		}

		if attempt < w.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseBackoff
			log.Warn().
				Err(err).
				Str("run_id", run.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("run write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", run.ID).
				Msg("run write failed permanently after retries")
		}
	}
}

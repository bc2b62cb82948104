package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-arbitrage-watch/models"
)

// ErrArchiveClosed is returned when Submit is called after shutdown.
var ErrArchiveClosed = errors.New("archive: closed")

// Archiver writes opportunity batches to an OutputWriter from a background
// goroutine so a cycle never waits on disk.
type Archiver struct {
	writer OutputWriter
	ch     chan []models.Opportunity
	logger *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex // guards closed/err/written
	closed  bool
	err     error
	written int

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewArchiver starts the writer goroutine.
func NewArchiver(writer OutputWriter, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		writer:   writer,
		ch:       make(chan []models.Opportunity, buffer),
		logger:   logger,
		shutdown: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Submit queues a batch. It blocks while the buffer is full.
func (a *Archiver) Submit(opps []models.Opportunity) (err error) {
	if len(opps) == 0 {
		return nil
	}
	closed, werr := a.state()
	if werr != nil {
		return werr
	}
	if closed {
		return ErrArchiveClosed
	}

	batch := make([]models.Opportunity, len(opps))
	copy(batch, opps)

	defer func() {
		if r := recover(); r != nil {
			err = ErrArchiveClosed
		}
	}()
	select {
	case <-a.shutdown:
		return ErrArchiveClosed
	case a.ch <- batch:
		return nil
	}
}

// Close drains queued batches, closes the writer and returns the first error.
func (a *Archiver) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.closeOnce.Do(func() {
		close(a.ch)
	})
	a.wg.Wait()
	a.signalShutdown()

	if err := a.writer.Close(); err != nil {
		a.setErr(fmt.Errorf("close archive: %w", err))
	}
	return a.Err()
}

// Err returns the first error encountered while writing.
func (a *Archiver) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Written is the number of opportunities written so far.
func (a *Archiver) Written() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for batch := range a.ch {
		if a.Err() != nil {
			continue
		}
		if err := a.writer.Write(batch); err != nil {
			a.logger.Error("archive write failed", slog.Any("error", err))
			a.setErr(fmt.Errorf("write batch: %w", err))
			continue
		}
		a.mu.Lock()
		a.written += len(batch)
		a.mu.Unlock()
	}
}

func (a *Archiver) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *Archiver) state() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed, a.err
}

func (a *Archiver) signalShutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdown)
	})
}

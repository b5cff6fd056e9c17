package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
)

const (
	writerQueueSize = 64
	writeTimeout    = 10 * time.Second
)

type persistJob struct {
	userID         string
	conversationID string
	message        models.Message
}

// writer saves messages on its own goroutine, one at a time and in the order they were queued. Each
// message is written at most once; a failed write is logged and forgotten.
type writer struct {
	store  Store
	logger *slog.Logger

	jobs chan persistJob
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWriter(store Store, logger *slog.Logger) *writer {
	w := &writer{
		store:  store,
		logger: logger,
		jobs:   make(chan persistJob, writerQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue never blocks. When the queue is full or the writer is closed the message is dropped.
func (w *writer) enqueue(job persistJob) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.logger.Warn("Writer closed, message not saved", slog.String("messageID", job.message.ID))
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.logger.Warn("Write queue full, message not saved", slog.String("messageID", job.message.ID))
	}
}

func (w *writer) run() {
	defer close(w.done)

	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.store.AddMessage(ctx, job.userID, job.conversationID, job.message)
		cancel()
		if err != nil {
			w.logger.Error("Failed to save message",
				slog.String("conversationID", job.conversationID),
				slog.String("role", string(job.message.Role)),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// close stops accepting messages and waits for the queued ones to be written.
func (w *writer) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	<-w.done
}

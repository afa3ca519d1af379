package handlers

import (
	"log/slog"

	"github.com/rezkam/renderflow/internal/application/queue"
	"github.com/rezkam/renderflow/internal/storage/blob"
)

// Register wires the built-in handlers into the queue.
func Register(q *queue.Queue, artifacts blob.Store, logger *slog.Logger) {
	q.RegisterHandler("render", NewRenderHandler(artifacts, logger).Handle)
	q.RegisterHandler("notify", NewNotifyHandler(logger).Handle)
}

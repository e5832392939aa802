package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"docsync/internal/docstore"
	"docsync/internal/middleware"
	"docsync/internal/telemetry"
)

/*
PERSISTENCE WORKER POOL

Merged updates are written by a fixed pool of workers so a slow database never
blocks the goroutine that merged the update.

  change merged → OnChange → SubmitJob → queue of worker hash(room) % n → StoreUpdate
  document unloaded → OnUnloadDocument → compact job on the same queue

Each room always lands on the same worker, so its writes happen in order and
a compaction never overtakes the updates that preceded it.
*/

var ErrPersistenceStopped = errors.New("persistence service is shutting down")

type JobKind int

const (
	JobStoreUpdate JobKind = iota
	JobCompact
	// JobBarrier completes once every job queued before it for the room was written
	JobBarrier
)

// PersistJob is one write for the update log
type PersistJob struct {
	Kind         JobKind
	DocumentName string
	Data         []byte
	done         chan struct{}
}

type loadOrigin struct{}

// PersistenceServiceImpl loads rooms from the update log and appends their
// changes to it. It plugs into the document store as an extension.
type PersistenceServiceImpl struct {
	docstore.BaseExtension

	repo   UpdateRepository
	logger *zap.SugaredLogger

	queues  []chan PersistJob
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewPersistenceService(repo UpdateRepository, numWorkers, queueSize int, logger *zap.SugaredLogger) *PersistenceServiceImpl {
	if numWorkers < 1 {
		numWorkers = 1
	}
	queues := make([]chan PersistJob, numWorkers)
	for i := range queues {
		queues[i] = make(chan PersistJob, queueSize)
	}

	return &PersistenceServiceImpl{
		repo:    repo,
		logger:  logger,
		queues:  queues,
		workers: numWorkers,
	}
}

func (s *PersistenceServiceImpl) Name() string {
	return "persistence"
}

// Start spawns the workers
func (s *PersistenceServiceImpl) Start() {
	s.logger.Infow("🔧 Starting persistence worker pool", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// worker drains its queue until Shutdown closes it
func (s *PersistenceServiceImpl) worker(id int) {
	defer s.wg.Done()

	for job := range s.queues[id] {
		telemetry.PersistenceQueueLength.Set(float64(s.GetQueueLength()))
		if err := s.process(context.Background(), job); err != nil {
			s.logger.Errorw("Persistence job failed",
				"worker", id, "document", job.DocumentName, "error", err)
		}
	}
	s.logger.Debugw("Persistence worker stopped", "worker", id)
}

func (s *PersistenceServiceImpl) queueFor(documentName string) chan PersistJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentName))
	return s.queues[h.Sum32()%uint32(len(s.queues))]
}

// SubmitJob queues a write. It blocks while the room's queue is full.
func (s *PersistenceServiceImpl) SubmitJob(job PersistJob) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrPersistenceStopped
	}

	s.queueFor(job.DocumentName) <- job
	telemetry.PersistenceQueueLength.Set(float64(s.GetQueueLength()))
	return nil
}

func (s *PersistenceServiceImpl) process(ctx context.Context, job PersistJob) error {
	switch job.Kind {
	case JobStoreUpdate:
		ctx, span := middleware.StartSpan(ctx, "Persistence.StoreUpdate",
			attribute.String("document.name", job.DocumentName),
			attribute.Int("update.size", len(job.Data)),
		)
		defer span.End()
		if err := s.repo.StoreUpdate(ctx, job.DocumentName, job.Data); err != nil {
			middleware.AddSpanError(ctx, err)
			return err
		}
	case JobCompact:
		ctx, span := middleware.StartSpan(ctx, "Persistence.Compact",
			attribute.String("document.name", job.DocumentName),
			attribute.Int("snapshot.size", len(job.Data)),
		)
		defer span.End()
		if err := s.repo.Compact(ctx, job.DocumentName, job.Data); err != nil {
			middleware.AddSpanError(ctx, err)
			return err
		}
	case JobBarrier:
		close(job.done)
	default:
		return fmt.Errorf("unknown persistence job kind %d", job.Kind)
	}
	return nil
}

// OnLoadDocument replays the room's log into the fresh replica
func (s *PersistenceServiceImpl) OnLoadDocument(ctx context.Context, doc *docstore.Document) error {
	ctx, span := middleware.StartSpan(ctx, "Persistence.Load",
		attribute.String("document.name", doc.Name()),
	)
	defer span.End()

	// writes still queued from a previous load of the room must land first
	barrier := PersistJob{Kind: JobBarrier, DocumentName: doc.Name(), done: make(chan struct{})}
	if err := s.SubmitJob(barrier); err != nil {
		return err
	}
	select {
	case <-barrier.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	rows, err := s.repo.LoadUpdates(ctx, doc.Name())
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	for _, row := range rows {
		if _, err := doc.Doc().ApplyUpdate(row.Update, loadOrigin{}); err != nil {
			middleware.AddSpanError(ctx, err)
			return fmt.Errorf("failed to replay update %s: %w", row.ID, err)
		}
	}

	span.SetAttributes(attribute.Int("updates.count", len(rows)))
	s.logger.Debugw("Document replayed", "document", doc.Name(), "rows", len(rows))
	return nil
}

// OnChange appends every change except the ones replayed from the log
func (s *PersistenceServiceImpl) OnChange(doc *docstore.Document, update []byte, origin any) {
	if _, replayed := origin.(loadOrigin); replayed {
		return
	}
	job := PersistJob{Kind: JobStoreUpdate, DocumentName: doc.Name(), Data: update}
	if err := s.SubmitJob(job); err != nil {
		s.logger.Warnw("Dropped document update", "document", doc.Name(), "error", err)
	}
}

// OnUnloadDocument compacts the room's log into its final state
func (s *PersistenceServiceImpl) OnUnloadDocument(_ context.Context, doc *docstore.Document) error {
	return s.SubmitJob(PersistJob{
		Kind:         JobCompact,
		DocumentName: doc.Name(),
		Data:         doc.Doc().EncodeStateAsUpdate(),
	})
}

// Shutdown stops accepting jobs and waits for queued ones to be written
func (s *PersistenceServiceImpl) Shutdown() {
	s.logger.Info("🛑 Shutting down persistence service...")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.wg.Wait()
	telemetry.PersistenceQueueLength.Set(0)
	s.logger.Info("✓ Persistence service shutdown complete")
}

// GetQueueLength returns the number of pending jobs across all workers
func (s *PersistenceServiceImpl) GetQueueLength() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

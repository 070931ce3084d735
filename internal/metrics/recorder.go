package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 1000
)

// Sink persists raw usage records.
type Sink interface {
	InsertUsageMetrics(ctx context.Context, records []models.AiUsageMetric) error
}

type RecorderOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Recorder buffers AiUsageMetric records and writes them to a Sink in
// batches, by size or on a timer. Record never blocks the request path.
type Recorder struct {
	sink          Sink
	logger        *zap.Logger
	records       chan models.AiUsageMetric
	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// mu orders Record against Stop so nothing is enqueued after the drain.
	mu      sync.RWMutex
	stopped bool
}

func NewRecorder(sink Sink, logger *zap.Logger, opts RecorderOptions) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sink:          sink,
		logger:        logger.Named("recorder"),
		records:       make(chan models.AiUsageMetric, opts.QueueSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		stop:          make(chan struct{}),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.writeLoop()
}

// Stop drains the queue, writes what is left and waits for the writer.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *Recorder) Record(m models.AiUsageMetric) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		r.logger.Warn("recorder stopped, dropping usage metric",
			zap.String("model", m.Model),
			zap.String("operation", m.Operation))
		return
	}
	select {
	case r.records <- m:
	default:
		r.logger.Warn("usage metric queue full, dropping record",
			zap.String("model", m.Model),
			zap.String("operation", m.Operation))
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.AiUsageMetric, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := r.sink.InsertUsageMetrics(ctx, batch); err != nil {
			r.logger.Error("failed to write usage metrics", zap.Int("records", len(batch)), zap.Error(err))
		}
		cancel()
		batch = make([]models.AiUsageMetric, 0, r.batchSize)
	}

	for {
		select {
		case m := <-r.records:
			batch = append(batch, m)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			for {
				select {
				case m := <-r.records:
					batch = append(batch, m)
					if len(batch) >= r.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/types"
)

// BufferedSinkConfig holds the buffered writer settings
type BufferedSinkConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// BufferedSink queues metrics and writes them to the wrapped sink in the background
// so RecordTaskCompletion never waits on the database.
type BufferedSink struct {
	config   BufferedSinkConfig
	sink     PerformanceMetricSink
	clock    clock.Clock
	logger   *logrus.Logger
	buffer   chan types.PerformanceMetric
	stopChan chan struct{}
	wg       sync.WaitGroup

	// mu guards stopped; Stop takes the write lock so no Record is mid-send when the writer drains
	mu      sync.RWMutex
	stopped bool

	written  atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

// NewBufferedSink starts the background writer
func NewBufferedSink(sink PerformanceMetricSink, config BufferedSinkConfig, clk clock.Clock, logger *logrus.Logger) *BufferedSink {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}

	b := &BufferedSink{
		config:   config,
		sink:     sink,
		clock:    clk,
		logger:   logger,
		buffer:   make(chan types.PerformanceMetric, config.BufferSize),
		stopChan: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.process()
	return b
}

// Record enqueues the metric. A full buffer drops the metric with a warning.
func (b *BufferedSink) Record(ctx context.Context, metric types.PerformanceMetric) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return b.sink.Record(ctx, metric)
	}

	select {
	case b.buffer <- metric:
	default:
		b.dropped.Add(1)
		b.logger.WithFields(logrus.Fields{
			"task_type": metric.TaskType,
			"provider":  metric.Provider,
		}).Warn("Metric buffer full, dropping performance metric")
	}
	return nil
}

// Stats returns written, dropped and failed counts
func (b *BufferedSink) Stats() (written, dropped, failures int64) {
	return b.written.Load(), b.dropped.Load(), b.failures.Load()
}

// Stop drains the buffer and stops the writer
func (b *BufferedSink) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopChan)
	b.wg.Wait()
}

func (b *BufferedSink) process() {
	defer b.wg.Done()

	ticker := b.clock.Ticker(b.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.PerformanceMetric, 0, b.config.BatchSize)
	for {
		select {
		case metric := <-b.buffer:
			batch = append(batch, metric)
			if len(batch) >= b.config.BatchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-b.stopChan:
			for {
				select {
				case metric := <-b.buffer:
					batch = append(batch, metric)
				default:
					b.flush(batch)
					return
				}
			}
		}
	}
}

func (b *BufferedSink) flush(batch []types.PerformanceMetric) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
	defer cancel()

	var written, failures int64
	for _, metric := range batch {
		if err := b.sink.Record(ctx, metric); err != nil {
			failures++
			b.logger.WithError(err).WithField("task_type", metric.TaskType).Error("Failed to persist performance metric")
			continue
		}
		written++
	}

	b.written.Add(written)
	b.failures.Add(failures)
}

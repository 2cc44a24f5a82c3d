package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zyufoye/vulnhalla/pkg/logging"
)

// WorkProcessor processes one work item.
type WorkProcessor[TIn, TOut any] interface {
	Process(ctx context.Context, input TIn) (TOut, error)
}

// ProcessFunc adapts a function to WorkProcessor.
type ProcessFunc[TIn, TOut any] func(ctx context.Context, input TIn) (TOut, error)

func (f ProcessFunc[TIn, TOut]) Process(ctx context.Context, input TIn) (TOut, error) {
	return f(ctx, input)
}

type workItem[T any] struct {
	Index int
	Data  T
}

type workResult[T any] struct {
	Index int
	Data  T
	Error error
}

// WorkerPool runs items concurrently while preserving input order in the
// results. Sessions are independent, so one failing item never blocks or
// corrupts the others.
type WorkerPool[TIn, TOut any] struct {
	concurrency int
	logger      *slog.Logger
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool[TIn, TOut any](concurrency int) *WorkerPool[TIn, TOut] {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool[TIn, TOut]{
		concurrency: concurrency,
		logger:      logging.NewLoggerFromEnv(),
	}
}

// ProcessItems processes all items and returns one result per input, in
// input order, along with the first error encountered.
func (wp *WorkerPool[TIn, TOut]) ProcessItems(
	ctx context.Context,
	items []TIn,
	processor WorkProcessor[TIn, TOut],
	taskName string,
) ([]TOut, error) {
	numItems := len(items)
	if numItems == 0 {
		return []TOut{}, nil
	}

	wp.logger.Info("processing items",
		"component", "worker_pool",
		"operation", "process_items",
		"task", taskName,
		"items", numItems,
		"concurrency", wp.concurrency)

	workChan := make(chan workItem[TIn], numItems)
	resultChan := make(chan workResult[TOut], numItems)

	var wg sync.WaitGroup
	for i := 0; i < wp.concurrency; i++ {
		wg.Add(1)
		go wp.worker(ctx, processor, workChan, resultChan, &wg, i)
	}

	for i, item := range items {
		workChan <- workItem[TIn]{Index: i, Data: item}
	}
	close(workChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]TOut, numItems)
	completed := 0
	var firstErr error

	for result := range resultChan {
		if result.Index >= 0 && result.Index < numItems {
			results[result.Index] = result.Data
			if result.Error != nil && firstErr == nil {
				firstErr = result.Error
			}
		}
		completed++
		wp.logger.Debug("progress update",
			"component", "worker_pool",
			"task", taskName,
			"completed", completed,
			"total", numItems)
	}

	return results, firstErr
}

func (wp *WorkerPool[TIn, TOut]) worker(
	ctx context.Context,
	processor WorkProcessor[TIn, TOut],
	workChan <-chan workItem[TIn],
	resultChan chan<- workResult[TOut],
	wg *sync.WaitGroup,
	workerID int,
) {
	defer wg.Done()

	for work := range workChan {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := processor.Process(ctx, work.Data)
		if err != nil {
			wp.logger.Warn("worker processing error",
				"component", "worker_pool",
				"worker_id", workerID,
				"work_index", work.Index,
				"error", err)
		}

		resultChan <- workResult[TOut]{
			Index: work.Index,
			Data:  result,
			Error: err,
		}
	}
}

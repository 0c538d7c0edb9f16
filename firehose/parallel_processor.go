package firehose

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// messageHandler processes one raw Jetstream message
type messageHandler interface {
	handle(msg *RawMessage) error
}

type ParallelProcessor struct {
	maxWorkers  int
	workerQueue chan *RawMessage
	handler     messageHandler
	wg          sync.WaitGroup
	ctx         context.Context
}

func NewParallelProcessor(ctx context.Context, maxWorkers int, maxQueueSize int, handler messageHandler) *ParallelProcessor {
	return &ParallelProcessor{
		maxWorkers:  maxWorkers,
		workerQueue: make(chan *RawMessage, maxQueueSize),
		handler:     handler,
		ctx:         ctx,
	}
}

func (pp *ParallelProcessor) start() {
	pp.wg.Add(pp.maxWorkers)
	for i := 0; i < pp.maxWorkers; i++ {
		go pp.startWorker(i)
	}
}

// wait blocks until every worker has exited, which happens once ctx is done
func (pp *ParallelProcessor) wait() {
	pp.wg.Wait()
}

func (pp *ParallelProcessor) startWorker(id int) {
	defer pp.wg.Done()

	for {
		select {
		case <-pp.ctx.Done():
			log.Debugf("Worker %d: Shutting down", id)
			return
		case msg := <-pp.workerQueue:
			if err := pp.handler.handle(msg); err != nil {
				processingErrors.Inc()
				log.Errorf("Worker %d: Error processing message: %v", id, err)
			}
		}
	}
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("task queue is full")
	// ErrPoolStopped Worker 池已停止
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// TaskExecutor 执行单个任务
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, taskID, apkPath string) error
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	executor TaskExecutor
	logger   *logrus.Logger
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
	active   atomic.Int32
}

// Task 任务
type Task struct {
	ID       string
	APKPath  string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, executor TaskExecutor, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		executor: executor,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case <-p.quit:
			p.logger.WithField("worker_id", id).Debug("Pool stopped, worker exiting")
			return

		case task := <-p.taskChan:
			p.process(ctx, id, task)
		}
	}
}

func (p *Pool) process(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"task_id":   task.ID,
		"apk_path":  task.APKPath,
	}).Info("Processing task")

	err := p.executor.ExecuteTask(ctx, task.ID, task.APKPath)

	if err != nil {
		if retryErr, ok := IsRetryableError(err); ok {
			p.logger.WithFields(logrus.Fields{
				"worker_id":   id,
				"task_id":     retryErr.TaskID,
				"retry_count": retryErr.RetryCount,
				"max_retry":   retryErr.MaxRetry,
			}).Warn("Task failed and reset for retry")

			// 异步提交的任务直接在本地重新入队，同步调用方自行决定如何重试
			if task.resultCh == nil {
				if subErr := p.Submit(&Task{ID: task.ID, APKPath: task.APKPath}); subErr != nil {
					p.logger.WithError(subErr).WithField("task_id", task.ID).Error("Failed to resubmit task for retry")
				}
			}
		} else {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   task.ID,
			}).Error("Task execution failed")
		}
	} else {
		p.logger.WithFields(logrus.Fields{
			"worker_id": id,
			"task_id":   task.ID,
		}).Info("Task completed successfully")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool (sync)")
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待执行中的任务结束。
// 仍在队列中的任务保持 queued 状态，服务重启后重新投递。
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		close(p.quit)
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// Stats 返回 worker 数、执行中任务数与排队任务数
func (p *Pool) Stats() (size, active, queued int) {
	return p.workers, int(p.active.Load()), len(p.taskChan)
}

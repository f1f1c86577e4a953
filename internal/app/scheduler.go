package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skillmarket/market-chain/internal/service"
	"github.com/skillmarket/market-chain/pkg/logger"
)

// Job 定时任务
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc 函数形式的任务
type JobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewJobFunc 创建函数任务
func NewJobFunc(name string, fn func(ctx context.Context) error) *JobFunc {
	return &JobFunc{name: name, fn: fn}
}

func (j *JobFunc) Name() string { return j.name }
func (j *JobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// syncJob 同步器任务, 同步进行中视为成功
type syncJob struct {
	syncer *service.EventSynchronizer
}

func (j *syncJob) Name() string { return "sync:" + j.syncer.Name() }

func (j *syncJob) Run(ctx context.Context) error {
	_, err := j.syncer.Sync(ctx)
	if errors.Is(err, service.ErrSyncInProgress) {
		return nil
	}
	return err
}

// Scheduler 轮询调度器
//
// 同一任务上一轮未结束时跳过本轮; Trigger 用于推送订阅触发的即时执行,
// 与定时执行共用同一个互斥, 不会并发运行同一个任务。
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu   sync.RWMutex
	jobs map[string]*scheduledJob
}

type scheduledJob struct {
	job     Job
	running sync.Mutex
}

// NewScheduler 创建调度器, ctx 取消后正在执行的任务随之取消
func NewScheduler(ctx context.Context) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{}),
			cron.SkipIfStillRunning(cronLogger{}),
		)),
		ctx:  ctx,
		jobs: make(map[string]*scheduledJob),
	}
}

// Every 按固定间隔调度任务
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, job.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	sj := &scheduledJob{job: job}
	s.jobs[job.Name()] = sj

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.execute(sj) }); err != nil {
		delete(s.jobs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.Duration("interval", interval))
	return nil
}

// Trigger 立即异步执行任务, 任务正在执行时忽略
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	sj, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}

	go s.execute(sj)
	return nil
}

// execute 执行任务, 上一轮未结束时跳过
func (s *Scheduler) execute(sj *scheduledJob) bool {
	if !sj.running.TryLock() {
		logger.Debug("job still running, skipping", zap.String("job", sj.job.Name()))
		return false
	}
	defer sj.running.Unlock()

	if s.ctx.Err() != nil {
		return false
	}

	if err := sj.job.Run(s.ctx); err != nil {
		logger.Error("job failed",
			zap.String("job", sj.job.Name()),
			zap.Error(err))
	}
	return true
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待正在执行的定时任务结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// cronLogger 把 cron 日志转到 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.S().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.S().Errorw(msg, append(keysAndValues, "error", err)...)
}

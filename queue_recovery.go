/*
Copyright 2025 Satsback Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package satsback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/model"
)

// RewardRecoveryProcessor re-enqueues delivery for PENDING rewards whose
// task vanished from the queue: a redis flush, a crash between the
// database insert and the enqueue, or a task that exhausted its asynq
// retries. The reward record in postgres is the source of truth; the
// queue is only a work signal.
type RewardRecoveryProcessor struct {
	satsback       *Satsback
	batchSize      int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewRewardRecoveryProcessor(s *Satsback) *RewardRecoveryProcessor {
	return &RewardRecoveryProcessor{
		satsback:       s,
		batchSize:      500,
		pollInterval:   30 * time.Second,
		stuckThreshold: 10 * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (p *RewardRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Reward recovery processor started")
}

func (p *RewardRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Reward recovery processor stopped")
}

func (p *RewardRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RewardRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reward recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Reward recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckRewards triggers an immediate recovery pass using the
// provided threshold.
func (s *Satsback) RecoverStuckRewards(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewRewardRecoveryProcessor(s)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *RewardRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	stuck, err := p.satsback.datasource.GetStuckPendingRewardIssues(ctx, int(threshold.Minutes()), p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck pending rewards: %v", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stuck pending rewards (threshold=%v)", len(stuck), threshold)

	recovered := 0
	for i := range stuck {
		issue := &stuck[i]
		requeued, err := p.recoverReward(ctx, issue)
		if err != nil {
			logrus.Errorf("failed to recover reward %s: %v", issue.RewardID, err)
			continue
		}
		if requeued {
			recovered++
		}
	}
	return recovered
}

// recoverReward re-enqueues the delivery task for one stuck reward unless
// the task still exists in the queue. The task id equals the reward id,
// so inspecting the queue by id is exact.
func (p *RewardRecoveryProcessor) recoverReward(ctx context.Context, issue *model.RewardIssue) (bool, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return false, err
	}

	info, err := p.satsback.queue.Inspector.GetTaskInfo(cfg.Queue.DeliveryQueue, issue.RewardID)
	if err == nil && info != nil {
		switch info.State {
		case asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			// Still on its way through the queue.
			return false, nil
		}
	}
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return false, err
	}

	if err := p.satsback.queue.EnqueueDelivery(ctx, issue.RewardID); err != nil {
		return false, err
	}

	logrus.Infof("Re-enqueued delivery for stuck reward %s", issue.RewardID)
	return true, nil
}

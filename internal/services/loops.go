package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// periodicLoop 周期循环：带 in-flight 保护，上一轮未结束时跳过本轮
// （慢周期不堆积，直接丢 tick）。
type periodicLoop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	inFlight atomic.Bool
	log      *logrus.Entry
}

func newPeriodicLoop(name string, interval time.Duration, fn func(ctx context.Context)) *periodicLoop {
	return &periodicLoop{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      logrus.WithField("component", "loop").WithField("loop", name),
	}
}

// Run 阻塞运行直到 ctx 取消
func (l *periodicLoop) Run(ctx context.Context) {
	l.log.Infof("循环启动: interval=%v", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("循环退出")
			return
		case <-ticker.C:
			if !l.inFlight.CompareAndSwap(false, true) {
				l.log.Warn("上一轮仍在执行，跳过本轮")
				continue
			}
			l.fn(ctx)
			l.inFlight.Store(false)
		}
	}
}

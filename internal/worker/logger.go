package worker

import (
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// asynqLogger 把 asynq 的内部日志接到 logrus
type asynqLogger struct {
	entry *logrus.Entry
}

// NewAsynqLogger 返回可用于 asynq.Config 和 asynq.SchedulerOpts 的 Logger
func NewAsynqLogger(entry *logrus.Entry) asynq.Logger {
	return &asynqLogger{entry: entry.WithField("source", "asynq")}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.entry.Error(args...) }

// Fatal 不退出进程，由调用方决定如何处理
func (l *asynqLogger) Fatal(args ...interface{}) { l.entry.Error(args...) }

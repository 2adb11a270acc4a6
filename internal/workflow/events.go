package workflow

import (
	"context"
	"log/slog"
	"time"

	"ChainForge/pkg/logger"
)

// Event 描述一次阶段转换，供外部订阅进度。
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	From       Stage     `json:"from"`
	To         Stage     `json:"to"`
	Progress   int       `json:"progress"`
	Attempt    int       `json:"attempt,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink 接收阶段转换事件。实现必须快速返回，编排器不会为慢消费者等待。
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// LogSink 将事件写入审计日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建日志事件接收器，logger 为空时使用全局审计日志。
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{logger: log}
}

// Emit 实现 Sink 接口。
func (s *LogSink) Emit(_ context.Context, event Event) {
	log := s.logger
	if log == nil {
		log = logger.Audit()
	}
	attrs := []any{
		slog.String("workflow_id", event.WorkflowID),
		slog.String("from", string(event.From)),
		slog.String("to", string(event.To)),
		slog.Int("progress", event.Progress),
	}
	if event.ErrorCode != "" {
		attrs = append(attrs,
			slog.String("error_code", event.ErrorCode),
			slog.String("error", event.Error),
		)
		log.Warn("工作流阶段转换", attrs...)
		return
	}
	log.Info("工作流阶段转换", attrs...)
}

// ChannelSink 将事件写入带缓冲的 channel，写满时丢弃最旧的事件。
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink 创建 channel 事件接收器。
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 128
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Emit 实现 Sink 接口，从不阻塞。
func (s *ChannelSink) Emit(_ context.Context, event Event) {
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Events 返回事件读取通道。
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// FanoutSink 将事件广播给多个接收器。
type FanoutSink []Sink

// Emit 实现 Sink 接口。
func (s FanoutSink) Emit(ctx context.Context, event Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*ChannelSink)(nil)
	_ Sink = (FanoutSink)(nil)
)

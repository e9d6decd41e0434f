package runner

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// 输出流名称
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Sink 只追加的输出接收端，两个转发协程会并发调用 Write
type Sink interface {
	Write(stream, line string)
}

// Line 一行进程输出
type Line struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Buffer 在内存中保存全部输出
type Buffer struct {
	mu    sync.Mutex
	lines []Line
}

func (b *Buffer) Write(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, Line{Stream: stream, Text: line})
}

// Lines 返回输出快照
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Line(nil), b.lines...)
}

// String 按到达顺序拼接所有输出
func (b *Buffer) String() string {
	var sb strings.Builder
	for _, l := range b.Lines() {
		sb.WriteString(l.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// MultiSink 把每一行转发给多个 Sink
type MultiSink []Sink

func (m MultiSink) Write(stream, line string) {
	for _, s := range m {
		s.Write(stream, line)
	}
}

// LogSink 把输出写入日志
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Write(stream, line string) {
	entry := s.Logger.WithField("stream", stream)
	if stream == StreamStderr {
		entry.Warn(line)
		return
	}
	entry.Info(line)
}

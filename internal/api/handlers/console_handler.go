package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
)

// StreamStatus 执行开始/结束等状态消息
const StreamStatus = "status"

const (
	consoleSendBuffer = 256
	consoleWriteWait  = 10 * time.Second
)

// ConsoleMessage 推送给控制台客户端的一行输出
type ConsoleMessage struct {
	TaskID    string `json:"task_id"`
	Stream    string `json:"stream"` // stdout/stderr/status
	Line      string `json:"line"`
	Timestamp int64  `json:"timestamp"`
}

type consoleClient struct {
	conn *websocket.Conn
	send chan ConsoleMessage
}

// ConsoleHub 按任务分组的 WebSocket 控制台，把脱壳程序的输出实时推送给浏览器
type ConsoleHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]map[*consoleClient]struct{}
}

// NewConsoleHub 创建控制台
func NewConsoleHub(logger *logrus.Logger) *ConsoleHub {
	return &ConsoleHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]map[*consoleClient]struct{}),
	}
}

// Broadcast 推送消息给订阅该任务的所有客户端，客户端缓冲满时丢弃
func (h *ConsoleHub) Broadcast(msg ConsoleMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[msg.TaskID] {
		select {
		case client.send <- msg:
		default:
			h.logger.WithField("task_id", msg.TaskID).Warn("Console client buffer is full, dropping line")
		}
	}
}

// Sink 返回写入指定任务控制台的 runner.Sink
func (h *ConsoleHub) Sink(taskID string) runner.Sink {
	return consoleSink{hub: h, taskID: taskID}
}

// ClientCount 返回订阅任务的客户端数量
func (h *ConsoleHub) ClientCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// HandleWebSocket 处理控制台订阅
// GET /ws/tasks/:id/console
func (h *ConsoleHub) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &consoleClient{conn: conn, send: make(chan ConsoleMessage, consoleSendBuffer)}
	h.register(taskID, client)
	h.logger.WithField("task_id", taskID).Info("Console client connected")

	go h.writeLoop(client)

	// 客户端只读，读循环用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.unregister(taskID, client)
	h.logger.WithField("task_id", taskID).Info("Console client disconnected")
}

func (h *ConsoleHub) writeLoop(client *consoleClient) {
	defer client.conn.Close()

	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
		if err := client.conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *ConsoleHub) register(taskID string, client *consoleClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[taskID] == nil {
		h.clients[taskID] = make(map[*consoleClient]struct{})
	}
	h.clients[taskID][client] = struct{}{}
}

func (h *ConsoleHub) unregister(taskID string, client *consoleClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[taskID][client]; !ok {
		return
	}
	delete(h.clients[taskID], client)
	if len(h.clients[taskID]) == 0 {
		delete(h.clients, taskID)
	}
	close(client.send)
}

type consoleSink struct {
	hub    *ConsoleHub
	taskID string
}

func (s consoleSink) Write(stream, line string) {
	s.hub.Broadcast(ConsoleMessage{TaskID: s.taskID, Stream: stream, Line: line})
}

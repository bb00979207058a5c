package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/carbonflow/api"
	"github.com/BaSui01/carbonflow/events"
	"github.com/BaSui01/carbonflow/types"
)

// EventSubscriber 提供实时事件订阅，*events.Bus 实现了它
type EventSubscriber interface {
	Subscribe(eventType string, listener events.Listener) events.Subscription
	Unsubscribe(sub events.Subscription)
}

// StreamConfig WebSocket 事件流配置
type StreamConfig struct {
	// 允许的 Origin 模式；为空时只接受同源连接
	OriginPatterns []string
	// 每个连接的发送缓冲，写满后丢弃新事件
	Buffer int
	// 单条消息写超时
	WriteTimeout time.Duration
	// 心跳间隔
	PingInterval time.Duration
}

// DefaultStreamConfig 返回默认事件流配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Buffer:       64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// =============================================================================
// 📡 事件 Handler
// =============================================================================

// EventHandler 事件发布、查询与实时推送
type EventHandler struct {
	svc     Orchestrator
	bus     EventSubscriber
	config  StreamConfig
	logger  *zap.Logger
	streams atomic.Int64
}

// NewEventHandler 创建事件处理器；bus 为 nil 时不提供实时流
func NewEventHandler(svc Orchestrator, bus EventSubscriber, config StreamConfig, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultStreamConfig()
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	return &EventHandler{
		svc:    svc,
		bus:    bus,
		config: config,
		logger: logger.With(zap.String("handler", "events")),
	}
}

// HandleEmit 处理 POST /api/v1/events；匹配的工作流在返回前已被启动
func (h *EventHandler) HandleEmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.EmitEventRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "event_type is required"), h.logger)
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	ev, err := h.svc.EmitEvent(r.Context(), req.EventType, req.Payload, source)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, ev)
}

// HandleRecent 处理 GET /api/v1/events，按时间倒序
func (h *EventHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	evs := h.svc.RecentEvents(limit)
	WriteSuccess(w, api.EventList{Events: evs, Total: len(evs)})
}

// ActiveStreams 返回当前打开的 WebSocket 连接数
func (h *EventHandler) ActiveStreams() int64 {
	return h.streams.Load()
}

// HandleStream 处理 GET /api/v1/events/stream。
// 升级为 WebSocket 后推送事件 JSON；?type= 只订阅指定类型。
func (h *EventHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "event stream is not available", h.logger)
		return
	}
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	if eventType == "" {
		eventType = events.Broadcast
	}

	// 长连接不受服务器读写超时限制
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只写连接：CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	queue := make(chan *events.Event, h.config.Buffer)
	var dropped atomic.Int64
	sub := h.bus.Subscribe(eventType, func(_ context.Context, ev *events.Event) {
		select {
		case queue <- ev.Clone():
		default:
			dropped.Add(1)
		}
	})
	defer h.bus.Unsubscribe(sub)

	h.streams.Add(1)
	defer h.streams.Add(-1)

	h.logger.Debug("event stream opened", zap.String("event_type", eventType))

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed",
				zap.String("event_type", eventType),
				zap.Int64("dropped", dropped.Load()))
			return
		case ev := <-queue:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *EventHandler) write(ctx context.Context, conn *websocket.Conn, ev *events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}

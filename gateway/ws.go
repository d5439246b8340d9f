package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowmesh/types"
)

// WS 层的连接级方法，不属于网关的封闭方法集，由连接自身处理
const (
	wsMethodSubscribe   Method = "execution.subscribe"
	wsMethodUnsubscribe Method = "execution.unsubscribe"
)

// WSConfig WebSocket 前端配置
type WSConfig struct {
	// RequestsPerSecond 每连接入站请求限速
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// Burst 限速桶容量
	Burst int `json:"burst" yaml:"burst"`
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// EventBuffer 每连接事件缓冲，满时丢弃
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`
}

// DefaultWSConfig 默认 WebSocket 配置
func DefaultWSConfig() WSConfig {
	return WSConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       64,
	}
}

// WSServer 在 WebSocket 之上承载网关请求帧与事件推送帧
type WSServer struct {
	gw     *Gateway
	cfg    WSConfig
	logger *zap.Logger
}

// NewWSServer 构造 WebSocket 前端
func NewWSServer(gw *Gateway, cfg WSConfig, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultWSConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultWSConfig().Burst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWSConfig().WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultWSConfig().EventBuffer
	}
	return &WSServer{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "gateway_ws")),
	}
}

// wsFrame 出站帧：响应帧携带 Response，事件帧携带执行事件信封
type wsFrame struct {
	Type        string          `json:"type"`
	Response    *Response       `json:"response,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Event       *types.Envelope `json:"event,omitempty"`
}

// ServeHTTP 升级连接并进入读循环。连接断开时回收该连接的全部订阅。
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	c := &wsConn{
		server:     s,
		conn:       conn,
		sink:       make(EventSink, s.cfg.EventBuffer),
		responses:  make(chan *Response, 16),
		limiter:    rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst),
		subscribed: make(map[string]struct{}),
	}
	c.run(r.Context())
}

type wsConn struct {
	server     *WSServer
	conn       *websocket.Conn
	sink       EventSink
	responses  chan *Response
	limiter    *rate.Limiter
	subscribed map[string]struct{}
}

func (c *wsConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.teardown()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	<-writerDone
	c.conn.Close(websocket.StatusNormalClosure, "closing") //nolint:errcheck
}

// readLoop 逐帧读取请求，限速超出时直接以错误响应
func (c *wsConn) readLoop(ctx context.Context) {
	for {
		var req Request
		if err := wsjson.Read(ctx, c.conn, &req); err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.respond(&Response{ID: req.ID, Error: &Error{
				Code:    CodeInternal,
				Message: "rate limit exceeded",
			}})
			continue
		}
		c.respond(c.handle(ctx, &req))
	}
}

// handle 先处理连接级订阅方法，其余交给网关分发
func (c *wsConn) handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case wsMethodSubscribe:
		return c.handleSubscribe(req)
	case wsMethodUnsubscribe:
		return c.handleUnsubscribe(req)
	default:
		return c.server.gw.Dispatch(ctx, req)
	}
}

func (c *wsConn) handleSubscribe(req *Request) *Response {
	p, err := decodeExecutionParams(req.Params)
	if err != nil {
		return &Response{ID: req.ID, Error: toError(err)}
	}
	if _, ok := c.subscribed[p.ExecutionID]; !ok {
		if err := c.server.gw.Subscribe(p.ExecutionID, c.sink); err != nil {
			return &Response{ID: req.ID, Error: toError(err)}
		}
		c.subscribed[p.ExecutionID] = struct{}{}
	}
	return &Response{ID: req.ID, Result: map[string]any{"subscribed": true}}
}

func (c *wsConn) handleUnsubscribe(req *Request) *Response {
	p, err := decodeExecutionParams(req.Params)
	if err != nil {
		return &Response{ID: req.ID, Error: toError(err)}
	}
	if _, ok := c.subscribed[p.ExecutionID]; ok {
		c.server.gw.Unsubscribe(p.ExecutionID, c.sink)
		delete(c.subscribed, p.ExecutionID)
	}
	return &Response{ID: req.ID, Result: map[string]any{"unsubscribed": true}}
}

func (c *wsConn) respond(resp *Response) {
	if resp == nil {
		return
	}
	select {
	case c.responses <- resp:
	default:
		c.server.logger.Warn("response buffer full, dropping response")
	}
}

// writeLoop 唯一的写方：WebSocket 不支持并发写
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case resp := <-c.responses:
			c.writeFrame(ctx, &wsFrame{Type: "response", Response: resp})
		case env := <-c.sink:
			executionID, _ := env.Payload["execution_id"].(string)
			c.writeFrame(ctx, &wsFrame{Type: "event", ExecutionID: executionID, Event: env})
		case <-ctx.Done():
			return
		}
	}
}

func (c *wsConn) writeFrame(ctx context.Context, frame *wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Error("marshal frame failed", zap.Error(err))
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.server.cfg.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.server.logger.Debug("websocket write failed", zap.Error(err))
	}
}

// teardown 连接断开时回收该连接持有的所有事件订阅
func (c *wsConn) teardown() {
	for id := range c.subscribed {
		c.server.gw.Unsubscribe(id, c.sink)
	}
}

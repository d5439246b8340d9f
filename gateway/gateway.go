package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/orchestrator"
	"github.com/BaSui01/flowmesh/types"
)

// Method 网关支持的操作，封闭集合
type Method string

const (
	MethodWorkflowRegister Method = "workflow.register"
	MethodWorkflowStart    Method = "workflow.start"
	MethodWorkflowStatus   Method = "workflow.status"
	MethodWorkflowPause    Method = "workflow.pause"
	MethodWorkflowResume   Method = "workflow.resume"
	MethodWorkflowCancel   Method = "workflow.cancel"
	MethodExecutionList    Method = "execution.list"
	MethodAgentRegister    Method = "agent.register"
	MethodAgentList        Method = "agent.list"
)

// JSON-RPC 风格错误码
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Request 网关入站请求
type Request struct {
	ID     any             `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response 网关出站响应，Result 与 Error 互斥
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error 网关错误对象
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Gateway 将编排器操作映射为请求/响应调用，并向观察者转发执行事件
type Gateway struct {
	orch     *orchestrator.Orchestrator
	subs     *subscriptionManager
	logger   *zap.Logger
	handlers map[Method]handlerFunc
}

// New 构造网关。logger 为 nil 时退化为 no-op。
func New(orch *orchestrator.Orchestrator, b bus.Bus, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gateway"))
	g := &Gateway{
		orch:   orch,
		subs:   newSubscriptionManager(b, logger),
		logger: logger,
	}
	g.handlers = map[Method]handlerFunc{
		MethodWorkflowRegister: g.handleWorkflowRegister,
		MethodWorkflowStart:    g.handleWorkflowStart,
		MethodWorkflowStatus:   g.handleWorkflowStatus,
		MethodWorkflowPause:    g.handleWorkflowPause,
		MethodWorkflowResume:   g.handleWorkflowResume,
		MethodWorkflowCancel:   g.handleWorkflowCancel,
		MethodExecutionList:    g.handleExecutionList,
		MethodAgentRegister:    g.handleAgentRegister,
		MethodAgentList:        g.handleAgentList,
	}
	return g
}

// Dispatch 分发单个请求。任何 handler 错误或 panic 都被转换为
// 响应中的 error 对象，不会越过边界。
func (g *Gateway) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panic",
				zap.String("method", string(req.Method)),
				zap.Any("panic", r))
			resp = &Response{ID: req.ID, Error: &Error{
				Code:    CodeInternal,
				Message: "internal error",
			}}
		}
	}()

	handler, ok := g.handlers[req.Method]
	if !ok {
		return &Response{ID: req.ID, Error: &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return &Response{ID: req.ID, Error: toError(err)}
	}
	return &Response{ID: req.ID, Result: result}
}

// HandleRaw 解析原始 JSON 帧并分发。解析失败返回 -32700。
func (g *Gateway) HandleRaw(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return &Response{Error: &Error{
			Code:    CodeParseError,
			Message: "parse error: " + err.Error(),
		}}
	}
	return g.Dispatch(ctx, &req)
}

// Subscribe 注册执行事件的观察者
func (g *Gateway) Subscribe(executionID string, sink EventSink) error {
	return g.subs.Subscribe(executionID, sink)
}

// Unsubscribe 移除观察者，最后一个观察者离开时回收总线订阅
func (g *Gateway) Unsubscribe(executionID string, sink EventSink) {
	g.subs.Unsubscribe(executionID, sink)
}

// Close 回收所有事件订阅
func (g *Gateway) Close() error {
	return g.subs.Close()
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 📋 方法处理器
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type startParams struct {
	WorkflowID  string         `json:"workflow_id"`
	InitialData map[string]any `json:"initial_data,omitempty"`
}

func (g *Gateway) handleWorkflowRegister(_ context.Context, raw json.RawMessage) (any, error) {
	var def types.WorkflowDefinition
	if err := decodeParams(raw, &def); err != nil {
		return nil, err
	}
	if err := g.orch.RegisterWorkflow(&def); err != nil {
		return nil, err
	}
	return map[string]any{
		"registered":  true,
		"workflow_id": def.ID,
	}, nil
}

func (g *Gateway) handleAgentRegister(_ context.Context, raw json.RawMessage) (any, error) {
	var desc types.AgentDescriptor
	if err := decodeParams(raw, &desc); err != nil {
		return nil, err
	}
	if desc.ID == "" {
		return nil, invalidParams("agent id is required")
	}
	if len(desc.Capabilities) == 0 {
		return nil, invalidParams("agent capabilities are required")
	}
	if err := g.orch.RegisterAgent(&desc); err != nil {
		return nil, err
	}
	return map[string]any{
		"registered": true,
		"agent_id":   desc.ID,
	}, nil
}

type executionParams struct {
	ExecutionID string `json:"execution_id"`
}

func (g *Gateway) handleWorkflowStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p startParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.WorkflowID == "" {
		return nil, invalidParams("workflow_id is required")
	}
	exec, err := g.orch.StartWorkflow(ctx, p.WorkflowID, p.InitialData)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	}, nil
}

func (g *Gateway) handleWorkflowStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeExecutionParams(raw)
	if err != nil {
		return nil, err
	}
	return g.orch.Status(ctx, p.ExecutionID)
}

func (g *Gateway) handleWorkflowPause(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeExecutionParams(raw)
	if err != nil {
		return nil, err
	}
	if err := g.orch.Pause(ctx, p.ExecutionID); err != nil {
		return nil, err
	}
	return map[string]any{"paused": true}, nil
}

func (g *Gateway) handleWorkflowResume(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeExecutionParams(raw)
	if err != nil {
		return nil, err
	}
	if err := g.orch.Resume(ctx, p.ExecutionID); err != nil {
		return nil, err
	}
	return map[string]any{"resumed": true}, nil
}

func (g *Gateway) handleWorkflowCancel(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeExecutionParams(raw)
	if err != nil {
		return nil, err
	}
	if err := g.orch.Cancel(ctx, p.ExecutionID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func (g *Gateway) handleExecutionList(ctx context.Context, _ json.RawMessage) (any, error) {
	execs, err := g.orch.ActiveExecutions(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := g.orch.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"executions": execs,
		"stats":      stats,
	}, nil
}

func (g *Gateway) handleAgentList(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"agents": g.orch.Agents()}, nil
}

func decodeExecutionParams(raw json.RawMessage) (*executionParams, error) {
	var p executionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ExecutionID == "" {
		return nil, invalidParams("execution_id is required")
	}
	return &p, nil
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidParams("malformed params: " + err.Error())
	}
	return nil
}

func invalidParams(msg string) *Error {
	return &Error{Code: CodeInvalidParams, Message: msg}
}

// toError 将领域错误映射为网关错误对象，领域错误码随 data 携带
func toError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{
		Code:    CodeInternal,
		Message: err.Error(),
		Data:    map[string]any{"code": types.CodeOf(err)},
	}
}

// Copyright (c) CarbonFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 CarbonFlow HTTP API 的请求处理器实现。

# 概述

handlers 包把工作流编排服务暴露为 /api/v1 下的 REST 端点，
并通过 WebSocket 推送实时事件。处理器只依赖 Orchestrator 接口，
*workflow.Service 是其生产实现。

# 核心类型

  - WorkflowHandler  — 工作流定义的创建、查询、版本、更新、归档、手动执行与统计
  - ExecutionHandler — 执行列表、详情与取消
  - EventHandler     — 事件发布、最近事件查询与 WebSocket 实时流
  - AgentHandler     — Agent 实例负载与性能计数
  - HealthHandler    — 存活 / 就绪检查（/health, /healthz, /ready）
  - Routes           — 汇总全部处理器并注册 Go 1.22 路由模式
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、steps、retryable

# 主要能力

  - types.Error 错误码 → HTTP 状态码自动映射（4xx/5xx）
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 执行异步进行：POST .../execute 返回 202 与 Location 头
  - 实时事件流：每个连接独立订阅事件总线，发送缓冲写满时丢弃新事件
  - 可扩展健康检查：RegisterCheck / NewPingCheck，检查并发执行
*/
package handlers

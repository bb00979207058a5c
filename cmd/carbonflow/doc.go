// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 CarbonFlow 编排服务的程序入口。

# 概述

cmd/carbonflow 是碳管理平台多智能体编排引擎的可执行入口，提供
HTTP API 服务、记录库迁移、健康检查和版本查询等子命令。程序加载
YAML 配置与环境变量，使用 zap 结构化日志、Prometheus 指标与
OpenTelemetry 追踪，并可监听模板目录实现工作流模板热加载。

# 核心类型

  - Server     — 组装存储、调度器、事件总线与编排服务，管理 API 与 Metrics 端口
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、migrate（记录库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、Metrics、CORS、RateLimiter（基于 IP）
  - Agent 实例：按配置注册到调度注册表，类型必须有对应处理器
  - 模板：启动时安装内置模板与模板目录，WatchTemplates 开启后轮询
    目录变更，新文件创建工作流，已有 ID 生成新版本，删除仅记录日志
  - Metrics：MetricsPort 非零时独立端口暴露 /metrics，为 0 时挂在 API 端口
  - 优雅关闭：停止模板监听 → 关闭 HTTP → 关闭编排服务 → 关闭存储 → 关闭 Metrics 与追踪
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main

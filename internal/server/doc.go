// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，承载编排引擎的
REST/WebSocket API 与独立的 Prometheus 指标端口。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、
关闭与错误传播流程。配置了证书时使用 tlsutil 的加固 TLS 配置
监听，否则使用明文 HTTP。

# 核心类型

  - Manager：HTTP 服务器管理器，按名称区分 api 与 metrics 服务器，
    提供 Start/Shutdown/Wait/Addr 等生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小、优雅关闭超时与 TLS 证书路径。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放。
  - 等待退出：Wait 监听 SIGINT/SIGTERM、上下文结束与服务异常。
  - 地址查询：Addr 返回实际监听地址，支持 ":0" 随机端口。
*/
package server

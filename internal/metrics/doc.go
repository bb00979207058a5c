// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的编排指标采集能力，覆盖
HTTP、Workflow 执行、Agent 调度、共识、事件、缓存与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。Collector 的 Record* 方法
对 nil 接收者安全，测试与未启用指标的部署可以直接传 nil。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - Workflow 指标：执行总数与耗时（按 workflow_id/status）、运行中执行数、
    步骤状态转换与重试计数。
  - 调度指标：任务执行总数与耗时、Agent 当前负载、等待容量的队列深度。
  - 共识指标：agreement 分布与未达 quorum 次数；事件发布计数。
  - 缓存与数据库指标：命中/未命中、连接数、查询耗时。
*/
package metrics

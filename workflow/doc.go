// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供多智能体工作流的定义、规划与执行引擎。

# 概述

workflow 包实现了 CarbonFlow 的编排核心：工作流定义由若干步骤和依赖图组成，
规划器将其转换为 arena + 索引形式的执行计划，协调引擎按数据流方式驱动执行：
依赖满足的步骤立即交给 dispatch.Dispatcher，独立步骤并发运行，冗余步骤的
结果经 consensus.Aggregator 归并。

# 核心接口与类型

  - Definition / Step     — 工作流定义与步骤（依赖、可选、重试、超时、冗余、共识）
  - Registry              — 工作流注册表，校验后按版本快照持久化
  - Plan / BuildPlan      — 执行计划（sequential / parallel / hybrid 三种协调模式）
  - Execution             — 执行记录（步骤状态、只追加日志、错误归因）
  - Service               — 对外操作入口（创建、执行、查询、取消、事件触发）
  - Scheduler             — 固定间隔的定时触发器

# 执行模型

每个执行由独立的 goroutine 事件循环拥有，所有状态变更都在该循环内发生；
读取方只看到每次变更后发布的不可变快照。步骤状态流转：

	PENDING → READY → DISPATCHED → RUNNING → COMPLETED | FAILED
	                                       ↘ SKIPPED | CANCELLED

必需步骤失败后，其所有非可选的传递依赖步骤被标记为 SKIPPED；可重试错误
（TASK_EXECUTION 且 retryable、TIMEOUT）按指数退避重新进入 READY。
*/
package workflow

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 carbonflow 编排核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、agent、events、
api 等上层模块提供统一的错误码与 context 传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable 标记、
    归因步骤（Steps）
  - WithTraceID / WithSubjectID / WithExecutionID / WithRequestID — context 传播

# 错误分类

VALIDATION 在创建、更新、执行前同步返回；TASK_EXECUTION 与 TIMEOUT 按步骤
重试预算重试；CONSENSUS 直接使步骤失败；CANCELLATION 与 INVALID_STATE
用于不可取消的执行；DISPATCH 表示没有注册对应类型的 Agent。
*/
package types

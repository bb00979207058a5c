// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package dispatch 把就绪步骤变成分配给具体 Agent 实例的任务。

# 组成

  - Registry：agentType → TaskHandler 的映射，以及每个 Agent 实例的
    容量与当前负载（原子 CAS 更新，只由 Dispatcher 修改）。
    未精确注册的类型按最长前缀解析为 <type>_<variant>，
    例如 sector_profiler_textiles 由 sector_profiler 处理，后缀写入 Task.Variant。
  - Strategy：round_robin / weighted_round_robin / least_loaded /
    predictive 四种选择策略，weighted_round_robin 按容量加权。
  - Dispatcher：按类型维护优先级等待队列；所有同类 Agent 满载时请求
    留在队列中，直到有容量释放，不做忙等。分配后任务在共享协程池上
    执行，超过截止时间即以 TIMEOUT 失败，结果通过回调交还给协调引擎。

# 错误约定

Handler 通过 Retryable / Fatal 包装错误区分可重试与致命失败；
未包装的错误按可重试处理，panic 被恢复为致命错误。
*/
package dispatch

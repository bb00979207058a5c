// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package events 提供进程内的发布/订阅事件总线。

Bus 由进程启动时显式构造并通过依赖注入传递，不存在全局单例；
Start / Stop 管理其生命周期。Emit 同步通知精确类型订阅者与
broadcast 订阅者（监听器 panic 会被恢复并记录），并把事件追加到
固定容量的环形缓冲区，Recent 按时间倒序返回最近事件。

工作流触发器通过订阅 broadcast 实现：匹配的事件会启动新的执行，
并通过 Annotate 把触发结果回写到事件记录上。
*/
package events

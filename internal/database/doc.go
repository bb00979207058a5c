// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开 GORM 数据库连接并管理连接池，为数据库型
记录存储（persistence.GormStore）提供底层连接。

# 概述

Open 根据驱动名选择方言：postgres、mysql 使用 gorm.io/driver，
sqlite 使用纯 Go 的 glebarez/sqlite，无需 CGO。PoolManager 封装
GORM 与 database/sql 的连接池配置，后台健康检查定时探活并将
连接数写入 Prometheus 指标。

# 核心类型

  - Open / Dialector：按驱动名打开连接或构造方言。
  - PoolManager：连接池管理器，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：连接池配置，Validate 校验取值。
  - PoolStats：友好格式的连接池统计信息。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 健康检查：按 HealthCheckInterval 探活，Close 后停止。
  - 指标：RecordDBConnections 上报连接数，RecordDBQuery 记录探活与事务耗时。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 对死锁、
    序列化失败、锁超时等错误指数退避重试。
  - 关闭后的调用返回 ErrClosed。
*/
package database

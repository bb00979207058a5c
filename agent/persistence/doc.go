// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供工作流定义与执行记录的键值持久化存储抽象及多后端实现。

# 概述

编排引擎只需要 get/put/find 语义：工作流定义、历史版本与执行快照
都以 Record 的形式保存，Data 为不透明 JSON，Labels 为唯一可查询属性。
上层通过 RecordStore 接口访问存储，无需关心底层细节。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - RecordStore: Put（upsert，保留首次创建时间）、Get、Find（按标签过滤，
    按创建时间倒序）、Delete。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 每个 kind 一个 JSON 文件，临时文件 + rename 原子写入，适合单节点部署。
  - Redis: Sorted Set 按创建时间索引，标签使用 Set 索引，TxPipeline 批量写入。
  - Database: 基于 GORM 的 records 表，支持 postgres / mysql / sqlite，
    表结构由 internal/migration 管理。
  - Mongo: MongoDB 文档存储，标签以子文档字段查询。

# 使用方式

	store, err := persistence.NewRecordStore(ctx, config, persistence.FactoryOptions{DB: db})
*/
package persistence

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 MSME 碳管理场景下的内置 Agent 实现。

每个 Handler 实现 dispatch.TaskHandler，对应一种 agentType：

  - data_processor：清洗、分类交易并脱敏描述字段
  - data_privacy：按规则（email / phone / PAN / GST / Udyam）脱敏并统计命中次数
  - carbon_analyzer：按排放因子估算排放量，输出 value / confidence
    以便冗余步骤做 weighted_average 共识
  - anomaly_detector：基于 z-score 的金额与排放异常检测
  - trend_analyzer：按月聚合排放并做最小二乘趋势外推
  - recommendation_engine：按品类排放占比生成减排建议
  - optimization_advisor：按能源、废弃物、运输、工艺四个方向估算可节省排放
  - compliance_monitor：与年度限额和申报阈值比对
  - report_generator：汇总上游结果生成报告
  - sector_profiler：按行业给出关注领域、行为权重与并行 Agent 编排建议
  - process_machinery_profiler：推断工艺与设备、适用排放因子和强度评分

两个 profiler 还服务于变体类型，例如 sector_profiler_textiles；
dispatch.Registry 按最长前缀解析，后缀经 Task.Variant 传入并优先于
msme.business_domain 作为行业。

计算均为示意性的算术，不代表正式的核算方法学。
Handler 从 Task.Input 的 trigger / parameters / results 三部分取数，
同一输入可安全重复执行。
*/
package handlers

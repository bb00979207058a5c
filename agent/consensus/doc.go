// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package consensus 将同一逻辑步骤的多个冗余任务结果归约为一个结果与一致度。

# 算法

  - majority：分类输出，票数最多者胜出（并列取最先出现者），
    agreement = 胜出票数 / 可用结果总数。
  - weighted_average：数值输出，结果 = Σ(v·w)/Σw，
    agreement = 1 − 总体标准差/|均值|，截断到 [0,1]。
  - ensemble：按各任务自报的 confidence 加权；数值输出走加权平均，
    分类输出走置信度加权投票。

可用结果少于 quorum 时返回 *QuorumError，诊断中列出被排除的输入及原因。
算法可通过 Register 替换，评分公式属于可配置策略。
*/
package consensus

// Package config 提供 CarbonFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → CARBONFLOW_ 前缀环境变量 的顺序加载，
// Validate 在启动前拒绝不一致的配置。FileWatcher 以轮询方式监听
// 文件或目录变更，用于工作流模板目录的热加载。
package config

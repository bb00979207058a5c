// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为编排引擎的执行与步骤 span、HTTP 中间件提供集中式的 TracerProvider
// 和可选的 MeterProvider。当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry

// Package telemetry 安装 OpenTelemetry 的 OTLP/gRPC trace 与 metric 管道，
// 资源携带服务名、构建版本、提交号与主机名。禁用时保留全局 noop 实现。
// 调度引擎通过 Tracer 与 JobInstruments 上报作业 span 和指标。
package telemetry

// Package config 提供 minionflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，覆盖服务器、日志、
// 遥测、Redis、数据库、认证（token 有效期、静态 ACL、eauth 后端）、
// 调度、传输与 minion 各段。FileWatcher 轮询配置文件，
// 供 ACL 规则在运行时热重载。
package config

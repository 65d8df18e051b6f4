// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 minionflow master 守护进程与独立 minion 的程序入口。

# 概述

cmd/minionflow 把认证、ACL、作业账本、传输通道、调度引擎和事件总线
组装成一个 master，并通过 HTTP API 对外提供 login、lowstate 提交、
作业查询、minion 探测与事件流。同一个二进制也可以作为 minion 运行，
经 redis 传输接收作业。

# 核心类型

  - Server         — 组装全部组件，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusRecorder — 记录状态码与字节数，Flush/Hijack 穿透给事件流

# 主要能力

  - 子命令：serve、minion、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware、CORS、RateLimiter（基于 IP）
  - 组件选择：token 存储 memory/localfs/redis，账本 memory/sql/mongo
    （可叠加 redis 读缓存），传输 loopback/redis
  - ACL 热加载：配置文件变更后重新读取 external_auth
  - 后台任务：过期 token 清理、数据库连接池指标采样
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main

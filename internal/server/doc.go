// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供 master API 与 metrics 端口的 HTTP 服务器生命周期管理。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
配置了证书与私钥时，监听器使用 tlsutil 的加固 TLS 配置。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/Wait 生命周期方法。
  - Config：监听地址、读写与空闲超时、最大请求头、优雅关闭超时、TLS 文件。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中服务；Addr 返回实际监听地址，
    便于以 ":0" 启动的测试。
  - 优雅关闭：Shutdown 在 ShutdownTimeout 内排空请求，重复调用安全。
  - 信号监听：Wait 在 SIGINT/SIGTERM、ctx 取消或服务异常时返回。
*/
package server

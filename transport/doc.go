// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package transport 实现 master 与 minion 之间的发布/返回通道。

# 概述

master 将作业以签名信封发布到 jobs 主题，minion 代理按目标表达式
过滤后执行模块函数，并把返回作为事件发布到 returns 主题。master
通过内部事件总线把收到的事件分发给等待者。

# 核心组件

  - Target: glob、list、pcre 目标匹配
  - Envelope / Sealer: XChaCha20-Poly1305 加密认证的消息信封，带时效窗口
  - replayGuard: 记住最近接受的信封 ID，丢弃重放
  - Pool: 有界发布连接池，借出超时
  - Broker: MemoryBroker（进程内）与 RedisBroker（Redis Pub/Sub）
  - Master: Channel 实现，维护已见 minion 名册并支持 Ping
  - Agent: minion 端执行循环
  - Loopback: 进程内 master + 多个 Agent，用于单机与测试
*/
package transport

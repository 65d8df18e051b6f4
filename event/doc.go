// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package event 实现按 tag 前缀关联事件与等待者的事件总线。

# 标签

  - job/{jid}/new          远程作业已发布
  - job/{jid}/ret/{minion} minion 返回
  - run/{jid}/new          runner 作业开始
  - run/{jid}/ret          runner 作业结束
  - pub/{jid}              发给 minion 的作业

# 等待者

Subscribe 返回 Waiter。OneShot 等待者收到第一个事件后即被移除，
Stream 等待者一直保留到 Cancel。同一等待者按发布顺序看到事件；
Dedupe 选项按 (tag, minion id) 去重，以容忍至少一次投递。

# 跨进程

RedisBridge 通过 Redis pub/sub 在多个 master 之间镜像事件，
并用来源 ID 避免回环。
*/
package event

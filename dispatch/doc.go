// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package dispatch 实现作业调度引擎。

# 概述

请求先由 Builder 从原始 lowstate 映射校验为具体变体（LocalSync、
LocalAsync、RunnerSync、RunnerAsync、Batch），再交给 Engine.Submit。
Engine 依次完成认证、ACL 授权、jid 分配与账本记录，然后把作业发布给
minion 或在 master 的 runner 工作池中执行。

# 核心流程

  - 认证：token 查询，或 eauth 凭据即时校验（不签发 token）
  - 远程作业：解析目标（含 nodegroup 展开）→ 授权 → 记录 → 先订阅
    job/{jid}/ret/ 再发布 → 收集返回直到全部到达或超时
  - runner 作业：授权 → 记录 → 工作池执行 → run/{jid}/new、
    run/{jid}/ret 事件
  - 批处理：按窗口大小（绝对数或百分比，向上取整）滑动发布

# 参数解析

ParseArgs 把 CLI 风格的 key=value 参数提升为关键字参数，
ParseValue 按 YAML 字面量尝试解析值。
*/
package dispatch

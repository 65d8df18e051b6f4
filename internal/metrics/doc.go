// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、作业调度、
认证、传输通道、事件总线、缓存与数据库。

# 概述

Collector 使用 promauto 注册全部指标，按 namespace 隔离。它的方法
签名与各组件的观察者回调一致，可直接作为回调注入：

  - auth.WithObserver(c.RecordAuthAttempt)
  - transport.WithCheckoutObserver(c.RecordTransportCheckout)
  - event.WithSubscriptionObserver(c.SetActiveSubscriptions)

# 主要指标

  - jobs_total / job_duration_seconds：按 mode 与 result 分组
  - minion_returns_total：按 success 分组
  - auth_attempts_total / token_lookups_total
  - transport_checkouts_total、event_subscriptions_active
  - http_*、cache_*、db_*
*/
package metrics

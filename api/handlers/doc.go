// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 minionflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现登录、low 数据提交、作业查询、minion 查询、事件流
与健康检查端点。所有 Handler 均遵循标准 net/http 接口，依赖以小接口
注入（Submitter、TokenIssuer、CallerAuthenticator），调度引擎与认证
存储可在测试中替换。

# 核心类型

  - AuthHandler      — POST /login 签发 token，POST /logout 吊销
  - LowstateHandler  — POST / 与 POST /run，构建 low 并交给调度引擎
  - JobsHandler      — /jobs、/minions，经 runner 函数执行，走同一套 ACL
  - EventsHandler    — /events，按 tag 前缀推送事件（SSE 或 websocket）
  - HealthHandler    — /healthz、/ready、/version，可注册 FuncCheck
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）

# 主要能力

  - 凭据提取：X-Auth-Token、Bearer token 或 Bearer JWT 断言（jwt 后端）
  - ErrorCode → HTTP 状态码映射：401/403/404/429/502/503/504
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 事件流先订阅后响应，客户端收到首帧时不会漏掉后续事件
*/
package handlers

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 minionflow 调度核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 auth、acl、jobs、dispatch、
api 等上层模块提供统一的错误码与上下文契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Identity          — 认证后的调用者（eauth 后端 + 用户名）

# 主要能力

  - 错误分类：AUTHENTICATION_FAILED / PERMISSION_DENIED / UNKNOWN_FUNCTION /
    TRANSPORT_ERROR / TIMED_OUT / STORAGE_ERROR
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - Context 传播：WithTraceID / WithRequestID / WithIdentity / WithToken / WithJID
*/
package types

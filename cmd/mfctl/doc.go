// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 mfctl，minionflow master HTTP API 的命令行客户端。

# 概述

mfctl 基于 cobra 组织子命令，所有请求经 X-Auth-Token 携带会话 token，
token 与 master 地址可以来自全局参数或环境变量 MFCTL_TOKEN、MFCTL_URL。

# 子命令

  - login / logout     — 打开或吊销会话
  - run                — 按 target 执行模块，支持 --async 与 --batch
  - runner             — 在 master 上执行 runner 函数
  - jobs list / get    — 查询作业账本
  - minions list / ping — 在线 minion 与单点 ping
  - events             — 跟随 SSE 事件流，可按 tag 前缀过滤

# 输出与退出码

--format text 以 yaml 缩进块渲染各 minion 返回值，作业列表为对齐表格；
--format json 输出 {"status","data","error"} 信封。退出码：0 成功，
1 请求失败或有 minion 未返回，2 参数或连接错误，3 认证或权限失败。
*/
package main

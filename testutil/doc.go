// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 minionflow 测试的共享工具和辅助函数。

# 概述

testutil 包为 api、cmd 等上层包的测试提供统一的辅助能力，
避免各包重复搭建 master、登录用户、等待事件等测试基础设施。

# 核心能力

  - 进程内 master: NewMaster 启动 loopback minion、内存账本、
    内存 token 存储与调度引擎，并为每个静态用户预先签发 token
  - 提交: Master.Submit 以某个用户的 token 构建并提交 lowstate 块
  - 上下文: TestContext 自动注册 Cleanup 取消
  - 事件: NextEvent / WaitForTag 在超时内读取事件总线
  - 轮询: Eventually

# 使用示例

	m := testutil.NewMaster(t, []string{"m1", "m2"})
	reply := m.Submit(t, "alice", map[string]any{"client": "local", "fun": "test.ping"})
*/
package testutil

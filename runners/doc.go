// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package runners 提供在 master 进程内执行的内置 runner 函数。

# 函数

  - test.arg / test.sleep / test.stream：测试与进度事件
  - jobs.list_jobs / jobs.lookup_jid / jobs.active：查询作业账本
  - manage.up / manage.down / manage.status：通过传输通道 ping minion

runner 通过 Deps 注入账本与通道，未注入的依赖对应的函数不会注册。
*/
package runners

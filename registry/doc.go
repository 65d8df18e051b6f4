// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package registry 提供按名称查找的函数注册表。

# 概述

注册表在进程启动时由静态条目构建，构建后不可变，查找无锁。
每个条目声明参数列表、是否接受额外位置参数/关键字参数，以及
可选的 Available 检查（只在注册时执行一次）。

# 命名空间

  - KindRunner — 在 master 进程内执行的 runner 函数
  - KindModule — 由 minion 执行的执行模块

# 参数绑定

Bind 把位置参数与关键字参数映射到声明的参数上：未声明的关键字参数
在条目不接受 **kwargs 时被丢弃而不是报错，缺失的可选参数使用默认值。

# 调用上下文

Context 按请求创建，携带 jid、调用者身份、日志、进程启动器与
请求级缓存，函数返回后即丢弃。进程启动器通过 SanitizingLauncher
组合实现环境变量过滤（LD_*、DYLD_*、IFS 等）。
*/
package registry

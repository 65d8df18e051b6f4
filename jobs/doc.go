// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package jobs 提供 jid 生成与作业账本。

# JID

jid 形如 20240102030405123456_a1b2c3：前 20 位为 UTC 时间戳（精确到微秒），
下划线后为随机十六进制后缀。同一个 Generator 产生的时间戳严格递增，
Allocator 在账本中预留 jid，遇到冲突时重试。

# 账本

Ledger 的语义：

  - Reserve 预留 jid，重复预留返回 ErrJIDExists
  - Record 写入作业元数据
  - UpdateResult 写入单个 minion 的返回；全部预期 minion 返回后作业完成，
    之后的更新返回 ErrJobCompleted
  - Discard 删除从未交给调用方的作业

实现：

  - MemoryLedger — 进程内，单作业加锁
  - GormLedger   — postgres / mysql / sqlite，结果在事务中写入
  - MongoLedger  — 每个作业一个文档，按修订号乐观更新
  - CachedLedger — 在任意账本前加 Redis 读缓存，只缓存已完成的作业
*/
package jobs

// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 为 SQL 作业账本提供连接池、探活与冲突重试。

# 概述

Open 按 driver 选择 gorm 方言（postgres、mysql、sqlite 纯 Go、sqlite3 cgo），
并返回 Pool。jobs.GormLedger 通过 Pool.Tx 与 Pool.TxRetry 写入作业与返回值。

# 探活与指标

ProbeInterval > 0 时后台循环定期 Ping，仅在状态翻转时记录日志，
并把 Stats 快照交给 WithSampler 注册的回调，master 用它写入连接数指标。

# 冲突重试

Retryable 识别 PostgreSQL 40001/40P01/55P03、MySQL 1205/1213、
driver.ErrBadConn 与 sqlite 的 database is locked。TxRetry 按 RetryPolicy
翻倍退避并以 MaxDelay 封顶，回调必须可重入。
*/
package database

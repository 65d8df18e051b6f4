// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理作业账本（mf_jobs、mf_job_returns）的 SQL Schema，
基于 golang-migrate，支持 PostgreSQL、MySQL 与 SQLite。

# 概述

各方言的建表脚本通过 embed 内嵌，按数据库类型选择目录。
`minionflow migrate` 子命令通过 CLI 驱动 Migrator；daemon 在启用
SQL 账本时调用 Migrator.Check，确保 Schema 已是最新版本。

# 核心类型

  - Migrator：Up/Down/Reset/Goto/Force/Version/Status/Info/Check。
  - Config：数据库类型、连接 URL、版本表名（默认 mf_schema_migrations）。
  - CLI：把操作结果写成终端输出。
  - ConfigFromDatabase：从 config.DatabaseConfig 推导迁移配置。
*/
package migration

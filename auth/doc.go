// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package auth 实现凭据校验与 token 存储。

# 流程

LoadAuth.Authenticate 按 eauth 名称选择后端，只把后端声明过的参数
传给它（未声明的键直接丢弃），成功后生成 256 位随机 token 并写入
TokenStore。token 有效期的优先级为：请求 > 后端配置 > 全局默认。
有效期可以为零或负数，此时 token 仍会写入，但下一次查找即视为不存在。

# 失败即关闭

GetToken 在以下三种情况下返回不存在并删除记录：

  - 记录无法读取或无法解析
  - 记录缺少 expire 字段
  - expire <= now

# 后端

  - auto — 配置中的静态用户（bcrypt 哈希）
  - jwt  — 受信任签发方的 HS256 断言

# 存储

  - MemoryStore — 进程内
  - FileStore   — 每个 token 一个文件，O_EXCL 创建
  - RedisStore  — 共享 Redis，SETNX 创建
*/
package auth

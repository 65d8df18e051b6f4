// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的共享连接管理。

# 概述

Manager 封装 go-redis 客户端，是 token 存储、作业账本读缓存、
事件总线桥接与 Redis 传输通道共用的连接入口，负责初始化、
健康检查与优雅关闭。

# 主要能力

  - 键值读写：Get/Set/SetNX/Delete/Remove/ScanKeys，以及 GetJSON/SetJSON
  - 前缀：Key 按配置前缀拼接 key
  - 发布订阅：Client 暴露底层客户端
  - 错误语义：ErrCacheMiss / ErrClosed 哨兵错误
*/
package cache

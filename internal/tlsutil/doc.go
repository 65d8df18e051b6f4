// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置：master API 的服务端证书加载，
// mfctl 与健康检查使用的加固 HTTP 客户端（TLS 1.2+，仅 AEAD 密码套件，可选自定义 CA）。
package tlsutil

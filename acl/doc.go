// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package acl 实现授权引擎。

# 规则格式

规则列表沿用 external_auth 的写法：字符串条目是函数正则（整体匹配，
对任意目标生效）；单键映射把目标 glob 映射到函数条件，函数条件可以
再带 args / kwargs 参数模式：

	external_auth:
	  auto:
	    fred:
	      - test.ping
	      - 'web*':
	          - cmd.run:
	              args: ['ls .*']
	              kwargs: {cwd: /tmp}
	    admins%:
	      - '@runner'

参数模式为 ~ 时表示该参数必须出现，值任意。多余的位置参数与未列出
的关键字参数不影响匹配。

# 求值

CheckAuthorization 是纯函数，按顺序求值，第一个满足的条目即放行，
没有条目满足则拒绝。RunnerCheck 只看以 @ 开头的条目。

# 规则来源

Resolver.GetAuthList 依次使用：token 中保存的规则快照（keep_acl_in_token）、
external_auth 中对应 eauth 的配置段、ACL 模块。eauth 名称可以只来自
token。external_auth 可通过 Watch 在配置文件变化时热替换。
*/
package acl

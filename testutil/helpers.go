package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
)

// TestContext 返回 30 秒后超时的上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually 每 10ms 检查一次 cond，timeout 内未成立则判失败
func Eventually(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Errorf("condition not met within %v", timeout)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Submit 以 user 的 token 构建并提交 lowstate 块，任何错误都终止测试
func (m *Master) Submit(t testing.TB, user string, low map[string]any) *dispatch.Reply {
	t.Helper()
	chunk := make(map[string]any, len(low)+1)
	for k, v := range low {
		chunk[k] = v
	}
	if _, ok := chunk["token"]; !ok {
		chunk["token"] = m.Tokens[user]
	}
	l, err := dispatch.NewBuilder().Build(chunk)
	if err != nil {
		t.Fatalf("build lowstate: %v", err)
	}
	reply, err := m.Engine.Submit(TestContext(t), l)
	if err != nil {
		t.Fatalf("submit %v: %v", low["fun"], err)
	}
	return reply
}

// NextEvent 在 timeout 内读取 w 的下一个事件
func NextEvent(t testing.TB, w *event.Waiter, timeout time.Duration) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ev, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("no event on %q within %v: %v", w.Prefix(), timeout, err)
	}
	return ev
}

// WaitForTag 跳过其它事件直到 tag 出现
func WaitForTag(t testing.TB, w *event.Waiter, tag string, timeout time.Duration) event.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			t.Fatalf("tag %q not seen within %v", tag, timeout)
		}
		if ev := NextEvent(t, w, left); ev.Tag == tag {
			return ev
		}
	}
}

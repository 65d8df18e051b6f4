package main

import (
	"context"
	"time"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/internal/metrics"
	"github.com/BaSui01/minionflow/jobs"
)

// meteredAuth 统计 token 查询结果
type meteredAuth struct {
	*auth.LoadAuth
	collector *metrics.Collector
}

func (m meteredAuth) GetToken(ctx context.Context, value string) (*auth.Token, bool) {
	tok, ok := m.LoadAuth.GetToken(ctx, value)
	m.collector.RecordTokenLookup(ok)
	return tok, ok
}

// meteredLedger 记录账本各操作耗时，database 标签为账本类型
type meteredLedger struct {
	jobs.Ledger
	kind      string
	collector *metrics.Collector
}

func (m meteredLedger) observe(op string, start time.Time) {
	m.collector.RecordDBQuery(m.kind, op, time.Since(start))
}

func (m meteredLedger) Reserve(ctx context.Context, jid string) error {
	defer m.observe("reserve", time.Now())
	return m.Ledger.Reserve(ctx, jid)
}

func (m meteredLedger) Record(ctx context.Context, job *jobs.Job) error {
	defer m.observe("record", time.Now())
	return m.Ledger.Record(ctx, job)
}

func (m meteredLedger) UpdateResult(ctx context.Context, jid string, ret jobs.Return) error {
	defer m.observe("update_result", time.Now())
	return m.Ledger.UpdateResult(ctx, jid, ret)
}

func (m meteredLedger) Get(ctx context.Context, jid string) (*jobs.Job, error) {
	defer m.observe("get", time.Now())
	return m.Ledger.Get(ctx, jid)
}

func (m meteredLedger) List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	defer m.observe("list", time.Now())
	return m.Ledger.List(ctx, f)
}

func (m meteredLedger) Discard(ctx context.Context, jid string) error {
	defer m.observe("discard", time.Now())
	return m.Ledger.Discard(ctx, jid)
}

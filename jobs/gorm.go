package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/minionflow/internal/database"
)

type jobRow struct {
	JID        string    `gorm:"column:jid;primaryKey;size:64"`
	Function   string    `gorm:"column:fun;size:255;index"`
	Args       string    `gorm:"column:args;type:text"`
	Kwargs     string    `gorm:"column:kwargs;type:text"`
	User       string    `gorm:"column:user_name;size:255;index"`
	Target     string    `gorm:"column:tgt;type:text"`
	TargetType string    `gorm:"column:tgt_type;size:32"`
	Mode       string    `gorm:"column:mode;size:32"`
	Minions    string    `gorm:"column:minions;type:text"`
	Recorded   bool      `gorm:"column:recorded;not null"`
	Completed  bool      `gorm:"column:completed;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

func (jobRow) TableName() string { return "mf_jobs" }

type returnRow struct {
	JID        string    `gorm:"column:jid;primaryKey;size:64"`
	Minion     string    `gorm:"column:minion;primaryKey;size:255"`
	Return     string    `gorm:"column:ret;type:text"`
	Success    bool      `gorm:"column:success"`
	Retcode    int       `gorm:"column:retcode"`
	ReceivedAt time.Time `gorm:"column:received_at"`
}

func (returnRow) TableName() string { return "mf_job_returns" }

// GormLedger stores jobs in a SQL database through gorm.
type GormLedger struct {
	pool *database.Pool
}

// NewGormLedger creates a ledger on a pooled connection.
func NewGormLedger(pool *database.Pool) *GormLedger {
	return &GormLedger{pool: pool}
}

// EnsureSchema creates the tables with gorm's auto migration. Deployments
// normally run the embedded SQL migrations instead.
func (l *GormLedger) EnsureSchema(ctx context.Context) error {
	return l.db(ctx).AutoMigrate(&jobRow{}, &returnRow{})
}

func (l *GormLedger) db(ctx context.Context) *gorm.DB {
	return l.pool.DB().WithContext(ctx)
}

// Reserve implements Ledger.
func (l *GormLedger) Reserve(ctx context.Context, jid string) error {
	created, err := JIDTime(jid)
	if err != nil {
		created = time.Now().UTC()
	}
	res := l.db(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&jobRow{JID: jid, CreatedAt: created})
	if res.Error != nil {
		return fmt.Errorf("reserve jid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJIDExists
	}
	return nil
}

// Record implements Ledger.
func (l *GormLedger) Record(ctx context.Context, job *Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	if err := l.db(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// UpdateResult implements Ledger.
func (l *GormLedger) UpdateResult(ctx context.Context, jid string, ret Return) error {
	data, err := json.Marshal(ret.Return)
	if err != nil {
		return fmt.Errorf("encode return: %w", err)
	}
	return l.pool.TxRetry(ctx, func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Where("jid = ? AND recorded = ?", jid, true).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if row.Completed {
			return ErrJobCompleted
		}

		rr := returnRow{
			JID:        jid,
			Minion:     ret.Minion,
			Return:     string(data),
			Success:    ret.Success,
			Retcode:    ret.Retcode,
			ReceivedAt: ret.ReceivedAt,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "jid"}, {Name: "minion"}},
			DoUpdates: clause.AssignmentColumns([]string{"ret", "success", "retcode", "received_at"}),
		}).Create(&rr).Error
		if err != nil {
			return err
		}

		var minions []string
		if err := decodeJSON(row.Minions, &minions); err != nil {
			return err
		}
		expected := uniqueStrings(minions)
		if len(expected) == 0 {
			return nil
		}
		var count int64
		err = tx.Model(&returnRow{}).Where("jid = ? AND minion IN ?", jid, expected).Count(&count).Error
		if err != nil {
			return err
		}
		if int(count) < len(expected) {
			return nil
		}
		return tx.Model(&jobRow{}).
			Where("jid = ? AND completed = ?", jid, false).
			Update("completed", true).Error
	})
}

// Get implements Ledger.
func (l *GormLedger) Get(ctx context.Context, jid string) (*Job, error) {
	var row jobRow
	err := l.db(ctx).Where("jid = ? AND recorded = ?", jid, true).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	jobs, err := l.withReturns(ctx, []jobRow{row})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// List implements Ledger.
func (l *GormLedger) List(ctx context.Context, f Filter) ([]*Job, error) {
	q := l.db(ctx).Model(&jobRow{}).Where("recorded = ?", true)
	if f.Target != "" {
		q = q.Where("tgt = ?", f.Target)
	}
	if f.User != "" {
		q = q.Where("user_name = ?", f.User)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at <= ?", f.Until)
	}
	if f.ActiveOnly {
		q = q.Where("completed = ?", false)
	}

	var rows []jobRow
	if err := q.Order("jid").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	all, err := l.withReturns(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(all))
	for _, j := range all {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	return applyLimit(out, f.Limit), nil
}

// Discard implements Ledger.
func (l *GormLedger) Discard(ctx context.Context, jid string) error {
	return l.pool.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("jid = ?", jid).Delete(&returnRow{}).Error; err != nil {
			return err
		}
		return tx.Where("jid = ?", jid).Delete(&jobRow{}).Error
	})
}

func (l *GormLedger) withReturns(ctx context.Context, rows []jobRow) ([]*Job, error) {
	if len(rows) == 0 {
		return []*Job{}, nil
	}
	jids := make([]string, len(rows))
	for i, r := range rows {
		jids[i] = r.JID
	}
	var rets []returnRow
	if err := l.db(ctx).Where("jid IN ?", jids).Find(&rets).Error; err != nil {
		return nil, fmt.Errorf("load returns: %w", err)
	}
	byJID := make(map[string][]returnRow, len(rows))
	for _, r := range rets {
		byJID[r.JID] = append(byJID[r.JID], r)
	}

	out := make([]*Job, 0, len(rows))
	for _, r := range rows {
		j, err := fromJobRow(r, byJID[r.JID])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func toJobRow(j *Job) (*jobRow, error) {
	args, err := json.Marshal(nonNilArgs(j.Args))
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(j.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	minions, err := json.Marshal(nonNilStrings(j.Minions))
	if err != nil {
		return nil, fmt.Errorf("encode minions: %w", err)
	}
	return &jobRow{
		JID:        j.JID,
		Function:   j.Function,
		Args:       string(args),
		Kwargs:     string(kwargs),
		User:       j.User,
		Target:     j.Target,
		TargetType: j.TargetType,
		Mode:       j.Mode,
		Minions:    string(minions),
		Recorded:   true,
		Completed:  j.Completed,
		CreatedAt:  j.CreatedAt,
	}, nil
}

func fromJobRow(r jobRow, rets []returnRow) (*Job, error) {
	j := &Job{
		JID:        r.JID,
		Function:   r.Function,
		User:       r.User,
		Target:     r.Target,
		TargetType: r.TargetType,
		Mode:       r.Mode,
		Completed:  r.Completed,
		CreatedAt:  r.CreatedAt,
		Returns:    make(map[string]Return, len(rets)),
	}
	if err := decodeJSON(r.Args, &j.Args); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Kwargs, &j.Kwargs); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Minions, &j.Minions); err != nil {
		return nil, err
	}
	for _, rr := range rets {
		var v any
		if err := decodeJSON(rr.Return, &v); err != nil {
			return nil, err
		}
		j.Returns[rr.Minion] = Return{
			Minion:     rr.Minion,
			Return:     v,
			Success:    rr.Success,
			Retcode:    rr.Retcode,
			ReceivedAt: rr.ReceivedAt,
		}
	}
	return j, nil
}

func decodeJSON(s string, dst any) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decode job column: %w", err)
	}
	return nil
}

func nonNilArgs(a []any) []any {
	if a == nil {
		return []any{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

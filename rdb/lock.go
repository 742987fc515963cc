package rdb

import (
	"sort"
)

type LockPolicyOptions struct {
	// RowLockThreshold 受影响记录超过该数量时升级为表锁
	RowLockThreshold int `cfg:"rowLockThreshold" def:"500" validate:"min=1"`
}

// LockPolicy 根据影响范围选择锁粒度
// 少量明确的记录逐行加锁，大范围或全表扩散时加表锁
type LockPolicy struct {
	RowLockThreshold int
}

func NewLockPolicyWithOptions(options *LockPolicyOptions) *LockPolicy {
	threshold := 500
	if options != nil && options.RowLockThreshold > 0 {
		threshold = options.RowLockThreshold
	}
	return &LockPolicy{RowLockThreshold: threshold}
}

// Plan 生成加锁语句，recordIDs 为空且不是全表时不加锁
func (p *LockPolicy) Plan(d Dialect, table string, recordIDs []string, tableWide bool) []Statement {
	if !tableWide && len(recordIDs) == 0 {
		return nil
	}

	if tableWide || len(recordIDs) > p.RowLockThreshold {
		if sql := d.LockTable(table); sql != "" {
			return []Statement{NewStatement(sql)}
		}
		return nil
	}

	sql := d.LockRows(table, len(recordIDs))
	if sql == "" {
		return nil
	}
	// 固定加锁顺序，避免并发事务交叉等待
	ids := append([]string(nil), recordIDs...)
	sort.Strings(ids)
	return []Statement{NewStatement(sql, Args(ids)...)}
}

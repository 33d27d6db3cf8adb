package metrics

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const startKey = "metrics:start"

// gormPlugin 为每条 SQL 记录耗时，按表和操作分组
type gormPlugin struct{ m *Metrics }

// GormPlugin 返回可交给 db.Use 的插件
func (m *Metrics) GormPlugin() gorm.Plugin { return &gormPlugin{m: m} }

func (p *gormPlugin) Name() string { return "safeherhub:metrics" }

func (p *gormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	for _, err := range []error{
		cb.Create().Before("gorm:create").Register("metrics:before_create", p.before),
		cb.Create().After("gorm:create").Register("metrics:after_create", p.after("create")),
		cb.Query().Before("gorm:query").Register("metrics:before_query", p.before),
		cb.Query().After("gorm:query").Register("metrics:after_query", p.after("query")),
		cb.Update().Before("gorm:update").Register("metrics:before_update", p.before),
		cb.Update().After("gorm:update").Register("metrics:after_update", p.after("update")),
		cb.Delete().Before("gorm:delete").Register("metrics:before_delete", p.before),
		cb.Delete().After("gorm:delete").Register("metrics:after_delete", p.after("delete")),
		cb.Row().Before("gorm:row").Register("metrics:before_row", p.before),
		cb.Row().After("gorm:row").Register("metrics:after_row", p.after("row")),
		cb.Raw().Before("gorm:raw").Register("metrics:before_raw", p.before),
		cb.Raw().After("gorm:raw").Register("metrics:after_raw", p.after("raw")),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *gormPlugin) before(db *gorm.DB) {
	db.InstanceSet(startKey, time.Now())
}

func (p *gormPlugin) after(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		status := "ok"
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			status = "error"
		}
		p.m.RecordDBQuery(table, op, status, time.Since(start))
	}
}

// RecordDBQuery 记录一次数据库操作
func (m *Metrics) RecordDBQuery(table, op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(table, op).Observe(d.Seconds())
	m.dbQueriesTotal.WithLabelValues(table, op, status).Inc()
}

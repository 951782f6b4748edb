package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// sqlScript 是一个按脚本应答的 database/sql 连接器：每次 Exec、Query、
// Begin、Commit、Rollback 必须与下一步期望一致，否则返回错误。
type sqlScript struct {
	mu    sync.Mutex
	steps []sqlStep
	pos   int
	args  [][]driver.NamedValue
}

type stepKind string

const (
	kindExec     stepKind = "exec"
	kindQuery    stepKind = "query"
	kindBegin    stepKind = "begin"
	kindCommit   stepKind = "commit"
	kindRollback stepKind = "rollback"
)

type sqlStep struct {
	kind   stepKind
	sql    string
	result execResult
	set    resultSet
	err    error
}

type execResult struct {
	insertID int64
	affected int64
}

func (r execResult) LastInsertId() (int64, error) { return r.insertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.affected, nil }

type resultSet struct {
	columns []string
	rows    [][]driver.Value
}

func expectExec(query string, result execResult) sqlStep {
	return sqlStep{kind: kindExec, sql: query, result: result}
}

func expectExecErr(query string, err error) sqlStep {
	return sqlStep{kind: kindExec, sql: query, err: err}
}

func expectQuery(query string, set resultSet) sqlStep {
	return sqlStep{kind: kindQuery, sql: query, set: set}
}

func expectBegin() sqlStep    { return sqlStep{kind: kindBegin} }
func expectCommit() sqlStep   { return sqlStep{kind: kindCommit} }
func expectRollback() sqlStep { return sqlStep{kind: kindRollback} }

// newScriptedDB 返回只有一个连接的 *sql.DB，所有语句按 steps 顺序应答。
func newScriptedDB(t *testing.T, steps []sqlStep) (*sql.DB, *sqlScript) {
	t.Helper()
	script := &sqlScript{steps: steps}
	db := sql.OpenDB(script)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, script
}

// verify 断言脚本已全部执行。
func (s *sqlScript) verify(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos != len(s.steps) {
		t.Fatalf("script stopped at step %d of %d", s.pos, len(s.steps))
	}
}

// argsAt 返回第 i 步收到的参数。
func (s *sqlScript) argsAt(i int) []driver.NamedValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.args) {
		return nil
	}
	return s.args[i]
}

// take 消费下一步。sql 为空的步骤不比对语句文本。
func (s *sqlScript) take(kind stepKind, query string, args []driver.NamedValue) (sqlStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return sqlStep{}, fmt.Errorf("unscripted %s %q", kind, squash(query))
	}
	step := s.steps[s.pos]
	if step.kind != kind {
		return sqlStep{}, fmt.Errorf("step %d: want %s, got %s", s.pos, step.kind, kind)
	}
	if step.sql != "" && squash(step.sql) != squash(query) {
		return sqlStep{}, fmt.Errorf("step %d: want %q, got %q", s.pos, squash(step.sql), squash(query))
	}
	s.pos++
	s.args = append(s.args, args)
	return step, step.err
}

func (s *sqlScript) Connect(context.Context) (driver.Conn, error) { return scriptConn{s}, nil }
func (s *sqlScript) Driver() driver.Driver                        { return scriptDriver{s} }

type scriptDriver struct{ script *sqlScript }

func (d scriptDriver) Open(string) (driver.Conn, error) { return scriptConn(d), nil }

type scriptConn struct{ script *sqlScript }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not scripted: %s", squash(query))
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.script.take(kindBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptTx(c), nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	step, err := c.script.take(kindExec, query, args)
	if err != nil {
		return nil, err
	}
	return step.result, nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	step, err := c.script.take(kindQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{set: step.set}, nil
}

func (c scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct{ script *sqlScript }

func (tx scriptTx) Commit() error {
	_, err := tx.script.take(kindCommit, "", nil)
	return err
}

func (tx scriptTx) Rollback() error {
	_, err := tx.script.take(kindRollback, "", nil)
	return err
}

type scriptRows struct {
	set  resultSet
	next int
}

func (r *scriptRows) Columns() []string { return r.set.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.next >= len(r.set.rows) {
		return io.EOF
	}
	copy(dest, r.set.rows[r.next])
	r.next++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

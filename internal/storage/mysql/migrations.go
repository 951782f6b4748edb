package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"

	"ShopAssist/deploy/migrations"
	xerrors "ShopAssist/internal/errors"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version, checksum, applied_at FROM schema_migrations`
	insertMigrationSQL  = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// MigrationState 描述一个内嵌迁移的应用情况。
type MigrationState struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Applied 报告迁移是否已执行。
func (s MigrationState) Applied() bool { return !s.AppliedAt.IsZero() }

type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

type appliedMigration struct {
	checksum  string
	appliedAt int64
}

// Migrate 按版本顺序执行尚未应用的内嵌迁移，返回本次执行的版本。
// 已应用迁移的内容若被修改，直接报错而不是静默跳过。
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	files, applied, err := prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, file := range files {
		if prior, ok := applied[file.version]; ok {
			if prior.checksum != file.checksum {
				return ran, xerrors.New(xerrors.CodeStorageFailure,
					fmt.Sprintf("迁移 %s 已应用但内容发生变化", file.name))
			}
			continue
		}
		if err := applyMigration(ctx, db, file); err != nil {
			return ran, err
		}
		ran = append(ran, file.version)
	}
	return ran, nil
}

// Status 列出所有内嵌迁移及其应用时间，不做任何修改。
func Status(ctx context.Context, db *sql.DB) ([]MigrationState, error) {
	files, applied, err := prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	return pie.Map(files, func(file migrationFile) MigrationState {
		state := MigrationState{Version: file.version, Name: file.name, Checksum: file.checksum}
		if prior, ok := applied[file.version]; ok {
			state.AppliedAt = time.Unix(prior.appliedAt, 0).UTC()
		}
		return state
	}), nil
}

func prepare(ctx context.Context, db *sql.DB) ([]migrationFile, map[string]appliedMigration, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return nil, nil, err
	}
	return files, applied, nil
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]appliedMigration, error) {
	rows, err := db.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var (
			version string
			prior   appliedMigration
		)
		if err := rows.Scan(&version, &prior.checksum, &prior.appliedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = prior
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// applyMigration 在单个事务中执行迁移。MySQL 的 DDL 会隐式提交，失败时已执行的建表语句不会回滚，
// 因此迁移内语句都应可重复执行。
func applyMigration(ctx context.Context, db *sql.DB, file migrationFile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for i, stmt := range file.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", file.name, i+1))
		}
	}
	if _, err := tx.ExecContext(ctx, insertMigrationSQL, file.version, file.name, file.checksum, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	var files []migrationFile
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    migrationVersion(name),
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	files = pie.SortUsing(files, func(a, b migrationFile) bool {
		if a.version == b.version {
			return a.name < b.name
		}
		return a.version < b.version
	})
	return files, nil
}

// splitSQLStatements 按分号切分，忽略 "--" 开头的整行注释。
func splitSQLStatements(content string) []string {
	var cleaned strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cleaned.WriteString(line)
		cleaned.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(cleaned.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线或点之前的部分，例如 0001_init.sql 为 0001。
func migrationVersion(name string) string {
	if idx := strings.IndexAny(name, "_."); idx > 0 {
		return name[:idx]
	}
	return name
}

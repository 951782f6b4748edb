package catalog

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/elliotchance/pie/v2"
	"github.com/fsnotify/fsnotify"

	"ShopAssist/pkg/logger"
)

// Vocabulary 提供分类字段的合法取值。实现必须可被多个会话并发读取。
type Vocabulary interface {
	Categories() []string
	// Canonical 以不区分大小写的方式匹配取值，返回目录中的标准写法。
	Canonical(value string) (string, bool)
}

// StaticVocabulary 是不可变的分类集合。
type StaticVocabulary struct {
	values []string
	index  map[string]string
}

// NewStaticVocabulary 去除空白与重复项后构造分类集合。
func NewStaticVocabulary(values []string) *StaticVocabulary {
	trimmed := pie.Filter(pie.Map(values, strings.TrimSpace), func(v string) bool { return v != "" })
	v := &StaticVocabulary{index: make(map[string]string, len(trimmed))}
	for _, value := range trimmed {
		key := strings.ToLower(value)
		if _, ok := v.index[key]; ok {
			continue
		}
		v.index[key] = value
		v.values = append(v.values, value)
	}
	return v
}

// Categories 返回分类列表的副本。
func (v *StaticVocabulary) Categories() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.values...)
}

// Canonical 实现 Vocabulary。
func (v *StaticVocabulary) Canonical(value string) (string, bool) {
	if v == nil {
		return "", false
	}
	canonical, ok := v.index[strings.ToLower(strings.TrimSpace(value))]
	return canonical, ok
}

type vocabularyFile struct {
	Categories []string `json:"categories"`
}

// FileVocabulary 从 JSON 文件加载分类，并在文件变化时原子替换。
type FileVocabulary struct {
	path    string
	current atomic.Pointer[StaticVocabulary]
}

var _ Vocabulary = (*FileVocabulary)(nil)

// LoadFileVocabulary 读取形如 {"categories": [...]} 的文件。文件不存在时返回空集合，
// 搜索退化为纯语义检索。
func LoadFileVocabulary(path string) (*FileVocabulary, error) {
	if strings.TrimSpace(path) == "" {
		return nil, stdErrors.New("分类文件路径不能为空")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析分类文件路径失败: %w", err)
	}
	v := &FileVocabulary{path: abs}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload 重新读取文件。解析失败时保留旧集合。
func (v *FileVocabulary) Reload() error {
	data, err := os.ReadFile(v.path)
	if stdErrors.Is(err, fs.ErrNotExist) {
		logger.L().Warn("分类文件不存在，分类过滤将被跳过", slog.String("path", v.path))
		v.current.Store(NewStaticVocabulary(nil))
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取分类文件失败: %w", err)
	}
	var decoded vocabularyFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("解析分类文件失败: %w", err)
	}
	next := NewStaticVocabulary(decoded.Categories)
	v.current.Store(next)
	logger.L().Info("分类词表已加载", slog.String("path", v.path), slog.Int("count", len(next.values)))
	return nil
}

// Categories 实现 Vocabulary。
func (v *FileVocabulary) Categories() []string {
	return v.current.Load().Categories()
}

// Canonical 实现 Vocabulary。
func (v *FileVocabulary) Canonical(value string) (string, bool) {
	return v.current.Load().Canonical(value)
}

// Watch 监听文件所在目录，文件被写入、创建或替换时重新加载，直到 ctx 取消。
func (v *FileVocabulary) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(v.path)); err != nil {
		return fmt.Errorf("监听分类目录失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != v.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := v.Reload(); err != nil {
				logger.L().Warn("重新加载分类文件失败", slog.Any("error", err), slog.String("path", v.path))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.L().Warn("分类文件监听出错", slog.Any("error", err))
		}
	}
}

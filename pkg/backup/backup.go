package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/storage"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	filePrefix = "safeherhub_"
	fileSuffix = ".db"
	stampFmt   = "20060102_150405"
)

// Options 备份配置
type Options struct {
	Driver string // 目前仅支持 sqlite
	Dir    string
	Keep   int // 保留的备份数量，<=0 表示不清理
	// Upload 非空时把快照另存一份到对象存储
	Upload storage.Store
}

// Run 生成一份数据库快照并清理超出保留数量的旧备份，返回新备份路径
func Run(ctx context.Context, db *gorm.DB, opts Options, now time.Time) (string, error) {
	if opts.Driver != "sqlite" {
		return "", fmt.Errorf("backup: unsupported DB_DRIVER %q", opts.Driver)
	}
	if opts.Dir == "" {
		return "", fmt.Errorf("backup: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create directory: %w", err)
	}

	dst := filepath.Join(opts.Dir, filePrefix+now.UTC().Format(stampFmt)+fileSuffix)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("backup: %s already exists", dst)
	}
	// VACUUM INTO 在线生成一致快照，不阻塞写入方太久
	if err := db.WithContext(ctx).Exec("VACUUM INTO ?", dst).Error; err != nil {
		return "", fmt.Errorf("backup: vacuum into %s: %w", dst, err)
	}
	logger.Info("database backup completed", zap.String("path", dst))

	if opts.Upload != nil {
		if err := upload(ctx, opts.Upload, dst); err != nil {
			return dst, fmt.Errorf("backup: upload %s: %w", filepath.Base(dst), err)
		}
	}

	if opts.Keep > 0 {
		removed, err := prune(opts.Dir, opts.Keep)
		if err != nil {
			logger.Warn("backup prune failed", zap.Error(err))
		} else if len(removed) > 0 {
			logger.Info("old backups removed", zap.Strings("files", removed))
		}
	}
	return dst, nil
}

func upload(ctx context.Context, store storage.Store, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, filepath.Base(file), f, st.Size())
}

// List 按时间从旧到新返回目录中的备份文件
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	// 文件名中的时间戳可直接按字典序排序
	sort.Strings(files)
	return files, nil
}

func prune(dir string, keep int) ([]string, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}
	stale := files[:len(files)-keep]
	for _, f := range stale {
		if err := os.Remove(f); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"Bandmate/core/format"
	"Bandmate/logger"
	"Bandmate/model"

	"github.com/fsnotify/fsnotify"
)

// localRefPrefix 本地候选SourceRef前缀，与远程路径区分
const localRefPrefix = "local:"

// settleDelay 文件落盘静默期：等写入方完成后再入队，避免导入半个文件
const settleDelay = 2 * time.Second

// Watcher 监听本地投递目录，把新出现的音频文件作为导入候选交给编排器。
// 架构：fsnotify 监听 Create 事件 → 静默期等待 → 编排器串行导入
type Watcher struct {
	dir  string
	orch *Orchestrator
	opts BatchOptions

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher 创建投递目录监听器
func NewWatcher(dir string, orch *Orchestrator, opts BatchOptions) *Watcher {
	return &Watcher{
		dir:     dir,
		orch:    orch,
		opts:    opts,
		pending: make(map[string]*time.Timer),
	}
}

// Run watches the drop folder until ctx is canceled. Existing files are
// imported on startup so files dropped while the service was down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	logger.Info("投递目录监听已启动", logger.String("dir", w.dir))

	w.importExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("投递目录监听错误", logger.ErrorField(err))
		}
	}
}

// schedule (re)arms the settle timer for a path; repeated writes keep pushing
// the import back until the file goes quiet.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !format.IsSupportedAudio(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.importFile(ctx, path)
	})
}

func (w *Watcher) importExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn("读取投递目录失败", logger.ErrorField(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.importFile(ctx, filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) importFile(ctx context.Context, path string) {
	if !format.IsSupportedAudio(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("投递文件不可读，跳过", logger.String("path", path), logger.ErrorField(err))
		return
	}

	candidate := model.ImportCandidate{
		SourceRef:   localRefPrefix + path,
		DisplayName: filepath.Base(path),
		SizeBytes:   info.Size(),
	}
	if err := w.orch.ImportSelected(ctx, []model.ImportCandidate{candidate}, w.opts); err != nil {
		logger.Warn("投递文件入队失败",
			logger.String("file", candidate.DisplayName),
			logger.ErrorField(err))
	}
}

// CompositeResolver routes local: candidates to the filesystem and everything
// else to the remote temporary-link API.
type CompositeResolver struct {
	Remote LinkResolver
}

// ResolveURL 解析候选SourceRef为可访问的URL或本地路径
func (r CompositeResolver) ResolveURL(ctx context.Context, sourceRef string) (string, error) {
	if strings.HasPrefix(sourceRef, localRefPrefix) {
		path := strings.TrimPrefix(sourceRef, localRefPrefix)
		if _, err := os.Stat(path); err != nil {
			return "", model.NewImportError(model.KindOther, "local file not accessible", err)
		}
		return path, nil
	}
	if r.Remote == nil {
		return "", model.NewImportError(model.KindOther, "no remote account linked", nil)
	}
	return r.Remote.ResolveURL(ctx, sourceRef)
}

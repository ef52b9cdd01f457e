package remote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"Bandmate/core/format"
	"Bandmate/logger"
	"Bandmate/model"
)

// Entry 远程目录中的一个条目
type Entry struct {
	Name           string    `json:"name"`
	PathLower      string    `json:"pathLower"`
	SizeBytes      int64     `json:"sizeBytes"`
	ServerModified time.Time `json:"serverModified"`
}

// Listing 一个远程目录的列取结果：文件夹与受支持的音频文件
type Listing struct {
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// SortDirection 排序方向
type SortDirection int

const (
	SortAsc SortDirection = iota
	SortDesc
)

// Lister enumerates folders and audio files from the linked remote account.
// Results are cached per-path for the session so the caller can flip sort
// direction without re-fetching; the cache is owned exclusively by the Lister.
type Lister struct {
	client *Client

	mu    sync.Mutex
	cache map[string]*Listing // canonical ascending order
}

// NewLister 创建远程文件列取器
func NewLister(client *Client) *Lister {
	return &Lister{
		client: client,
		cache:  make(map[string]*Listing),
	}
}

// List 列取path下的文件夹与音频文件，透明翻页直到远端无更多分页。
// 命中会话缓存时直接按请求方向重排，不再访问远端。
func (l *Lister) List(ctx context.Context, path string, dir SortDirection) (*Listing, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()

	if ok {
		return cached.sorted(dir), nil
	}

	listing, err := l.fetchAll(ctx, path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = listing
	l.mu.Unlock()

	return listing.sorted(dir), nil
}

// Invalidate 丢弃path的缓存条目，下次List将重新拉取
func (l *Lister) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

func (l *Lister) fetchAll(ctx context.Context, path string) (*Listing, error) {
	listing := &Listing{Folders: []Entry{}, Files: []Entry{}}

	resp, err := l.client.listFolder(ctx, path)
	if err != nil {
		return nil, err
	}

	pages := 1
	for {
		listing.absorb(resp.Entries)
		if !resp.HasMore {
			break
		}
		resp, err = l.client.listFolderContinue(ctx, resp.Cursor)
		if err != nil {
			return nil, err
		}
		pages++
	}

	listing.sortInPlace(SortAsc)

	logger.Info("远程目录列取完成",
		logger.String("path", path),
		logger.Int("pages", pages),
		logger.Int("folders", len(listing.Folders)),
		logger.Int("files", len(listing.Files)))

	return listing, nil
}

func (lst *Listing) absorb(entries []listEntry) {
	for _, e := range entries {
		entry := Entry{
			Name:           e.Name,
			PathLower:      e.PathLower,
			SizeBytes:      e.Size,
			ServerModified: e.ServerModified,
		}
		switch e.Tag {
		case "folder":
			lst.Folders = append(lst.Folders, entry)
		case "file":
			if format.IsSupportedAudio(e.Name) {
				lst.Files = append(lst.Files, entry)
			}
		}
	}
}

// sorted returns a sorted copy, leaving the cached canonical listing untouched.
func (lst *Listing) sorted(dir SortDirection) *Listing {
	out := &Listing{
		Folders: append([]Entry(nil), lst.Folders...),
		Files:   append([]Entry(nil), lst.Files...),
	}
	out.sortInPlace(dir)
	return out
}

func (lst *Listing) sortInPlace(dir SortDirection) {
	less := func(a, b Entry) bool {
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	}
	if dir == SortDesc {
		inner := less
		less = func(a, b Entry) bool { return inner(b, a) }
	}
	sort.SliceStable(lst.Folders, func(i, j int) bool { return less(lst.Folders[i], lst.Folders[j]) })
	sort.SliceStable(lst.Files, func(i, j int) bool { return less(lst.Files[i], lst.Files[j]) })
}

// Candidates 把文件条目转换为导入候选
func (lst *Listing) Candidates() []model.ImportCandidate {
	out := make([]model.ImportCandidate, 0, len(lst.Files))
	for _, f := range lst.Files {
		out = append(out, model.ImportCandidate{
			SourceRef:   f.PathLower,
			DisplayName: f.Name,
			SizeBytes:   f.SizeBytes,
		})
	}
	return out
}

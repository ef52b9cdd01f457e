package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"Bandmate/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeRemote 模拟网盘API：首页返回has_more和cursor，续页接在后面
func newFakeRemote(t *testing.T, pages [][]map[string]interface{}) (*httptest.Server, *int32) {
	var calls int32
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/files/list_folder":
			page = 0
		case "/files/list_folder/continue":
			page++
		default:
			t.Errorf("unexpected endpoint %s", r.URL.Path)
		}
		require.Less(t, page, len(pages))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entries":  pages[page],
			"cursor":   "cursor-token",
			"has_more": page < len(pages)-1,
		})
	}))
	return srv, &calls
}

func fileEntry(name string, size int64) map[string]interface{} {
	return map[string]interface{}{".tag": "file", "name": name, "path_lower": "/band/" + name, "size": size}
}

func folderEntry(name string) map[string]interface{} {
	return map[string]interface{}{".tag": "folder", "name": name, "path_lower": "/band/" + name}
}

func TestListPaginatesAndFilters(t *testing.T) {
	srv, calls := newFakeRemote(t, [][]map[string]interface{}{
		{
			folderEntry("Rehearsals"),
			fileEntry("zebra.mp3", 100),
			fileEntry("notes.txt", 10), // 非音频，过滤
		},
		{
			fileEntry("Apple.wav", 200),
			fileEntry("cover.jpg", 30), // 非音频，过滤
			folderEntry("demos"),
		},
	})
	defer srv.Close()

	lister := NewLister(NewClient(srv.URL, "token"))
	listing, err := lister.List(context.Background(), "/band", SortAsc)
	require.NoError(t, err)

	// 翻页透明：两页合并为单个结果
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))

	require.Len(t, listing.Folders, 2)
	require.Len(t, listing.Files, 2)

	// 大小写不敏感的升序
	assert.Equal(t, "demos", listing.Folders[0].Name)
	assert.Equal(t, "Rehearsals", listing.Folders[1].Name)
	assert.Equal(t, "Apple.wav", listing.Files[0].Name)
	assert.Equal(t, "zebra.mp3", listing.Files[1].Name)
}

func TestListFlipsSortFromCache(t *testing.T) {
	srv, calls := newFakeRemote(t, [][]map[string]interface{}{
		{
			fileEntry("alpha.mp3", 1),
			fileEntry("Beta.mp3", 2),
			fileEntry("gamma.mp3", 3),
		},
	})
	defer srv.Close()

	lister := NewLister(NewClient(srv.URL, "token"))

	asc, err := lister.List(context.Background(), "/band", SortAsc)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha.mp3", "Beta.mp3", "gamma.mp3"}, fileNames(asc))

	// 翻转方向走缓存，不再访问远端
	desc, err := lister.List(context.Background(), "/band", SortDesc)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma.mp3", "Beta.mp3", "alpha.mp3"}, fileNames(desc))
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))

	// 失效后重新拉取
	lister.Invalidate("/band")
	_, err = lister.List(context.Background(), "/band", SortAsc)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestListAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	lister := NewLister(NewClient(srv.URL, "stale-token"))
	_, err := lister.List(context.Background(), "/band", SortAsc)
	require.Error(t, err)
	assert.Equal(t, model.KindAuthExpired, model.KindOf(err))
}

func TestListServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	lister := NewLister(NewClient(srv.URL, "token"))
	_, err := lister.List(context.Background(), "/band", SortAsc)
	require.Error(t, err)
	assert.Equal(t, model.KindTransientNetwork, model.KindOf(err))
}

func TestListDeadlineExceededIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token")
	client.HTTPClient.Timeout = 100 * time.Millisecond

	lister := NewLister(client)
	_, err := lister.List(context.Background(), "/band", SortAsc)
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestCandidates(t *testing.T) {
	listing := &Listing{
		Files: []Entry{
			{Name: "song.wav", PathLower: "/band/song.wav", SizeBytes: 2048},
		},
	}
	candidates := listing.Candidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, model.ImportCandidate{
		SourceRef:   "/band/song.wav",
		DisplayName: "song.wav",
		SizeBytes:   2048,
	}, candidates[0])
}

func TestGetTemporaryLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/get_temporary_link", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"link": "https://temp.example.com/x"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token")
	link, err := client.GetTemporaryLink(context.Background(), "/band/song.wav")
	require.NoError(t, err)
	assert.Equal(t, "https://temp.example.com/x", link)
}

func fileNames(l *Listing) []string {
	out := make([]string, len(l.Files))
	for i, f := range l.Files {
		out[i] = f.Name
	}
	return out
}

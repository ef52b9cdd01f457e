package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Bandmate/core/gateway"
	"Bandmate/core/probe"
	"Bandmate/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu            sync.Mutex
	storeReqs     []gateway.Request
	transcodeReqs []gateway.Request
	failFor       map[string]error // keyed by FileName
	block         chan struct{}    // non-nil blocks calls until closed
}

func (g *fakeGateway) Store(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	g.mu.Lock()
	g.storeReqs = append(g.storeReqs, req)
	g.mu.Unlock()
	return g.result(req, false)
}

func (g *fakeGateway) Transcode(ctx context.Context, req gateway.Request) (*gateway.Result, error) {
	g.mu.Lock()
	g.transcodeReqs = append(g.transcodeReqs, req)
	g.mu.Unlock()
	return g.result(req, true)
}

func (g *fakeGateway) result(req gateway.Request, transcoded bool) (*gateway.Result, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	err, failed := g.failFor[req.FileName]
	g.mu.Unlock()
	if failed {
		return nil, err
	}
	return &gateway.Result{
		PlaybackURL: "https://playback.example.com/" + req.FileName,
		Descriptor: model.StorageDescriptor{
			Kind:        model.StoragePublicURL,
			PublicURL:   "https://cdn.example.com/tracks/" + req.FileName,
			BackendHint: "r2",
		},
		Transcoded:       transcoded,
		Quality:          string(req.Quality),
		OriginalFilename: req.FileName,
	}, nil
}

type fakeProber struct {
	durations map[string]float64 // keyed by playback URL
	tags      map[string]probe.Tags
}

func (p *fakeProber) ProbeDuration(ctx context.Context, url string) float64 {
	if d, ok := p.durations[url]; ok {
		return d
	}
	return probe.FallbackDuration
}

func (p *fakeProber) ProbeTags(ctx context.Context, url, filename string) probe.Tags {
	return p.tags[filename]
}

type fakeResolver struct{}

func (fakeResolver) ResolveURL(ctx context.Context, sourceRef string) (string, error) {
	return "https://temp.example.com" + sourceRef, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	tracks  []*model.Track
	errs    []error // consumed one per call; nil entry means success
	inserts int
}

func (c *fakeCatalog) InsertTrack(ctx context.Context, track *model.Track) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserts++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	c.tracks = append(c.tracks, track)
	return int64(len(c.tracks)), nil
}

func (c *fakeCatalog) insertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inserts
}

// collectUntilDone 持续消费事件流，直到看到覆盖整个批次的tally
func collectUntilDone(t *testing.T, o *Orchestrator, total int) ([]model.JobSnapshot, model.BatchTally) {
	t.Helper()
	var snaps []model.JobSnapshot
	var last model.BatchTally
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.Job != nil {
				snaps = append(snaps, *ev.Job)
			}
			if ev.Tally != nil {
				last = *ev.Tally
				if last.Completed+last.Failed == total {
					return snaps, last
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for batch to finish")
		}
	}
}

func snapshotsFor(snaps []model.JobSnapshot, sourceRef string) []model.JobSnapshot {
	var out []model.JobSnapshot
	for _, s := range snaps {
		if s.SourceRef == sourceRef {
			out = append(out, s)
		}
	}
	return out
}

func TestImportBatchBothPaths(t *testing.T) {
	gw := &fakeGateway{}
	prober := &fakeProber{
		durations: map[string]float64{
			"https://playback.example.com/song.wav":  125,
			"https://playback.example.com/track.mp3": 200,
		},
		tags: map[string]probe.Tags{
			"track.mp3": {Title: "Silver Lining", Artist: "The Attic Band"},
		},
	}
	catalog := &fakeCatalog{}
	o := New(gw, prober, fakeResolver{}, catalog, Options{CommitBackoff: time.Millisecond})

	candidates := []model.ImportCandidate{
		{SourceRef: "/band/song.wav", DisplayName: "song.wav", SizeBytes: 1 << 20},
		{SourceRef: "/band/track.mp3", DisplayName: "track.mp3", SizeBytes: 1 << 19},
	}
	require.NoError(t, o.ImportSelected(context.Background(), candidates, BatchOptions{UserID: 7}))

	snaps, tally := collectUntilDone(t, o, 2)
	assert.Equal(t, model.BatchTally{Completed: 2, Failed: 0, Total: 2}, tally)

	// wav走转码路径，mp3走直存路径
	require.Len(t, gw.transcodeReqs, 1)
	require.Len(t, gw.storeReqs, 1)
	assert.Equal(t, "song.wav", gw.transcodeReqs[0].FileName)
	assert.Equal(t, "track.mp3", gw.storeReqs[0].FileName)

	wavSnaps := snapshotsFor(snaps, "/band/song.wav")
	wantStatuses := []model.JobStatus{
		model.StatusProbing, model.StatusConverting, model.StatusProbing,
		model.StatusCommitting, model.StatusSucceeded,
	}
	require.Len(t, wavSnaps, len(wantStatuses))
	for i, s := range wavSnaps {
		assert.Equal(t, wantStatuses[i], s.Status, "snapshot %d", i)
	}
	assert.Equal(t, []int{10, 35, 65, 85, 100}, progressOf(wavSnaps))

	mp3Snaps := snapshotsFor(snaps, "/band/track.mp3")
	assert.Equal(t, model.StatusUploading, mp3Snaps[1].Status)

	// 进度在每个任务内单调不减
	for _, ref := range []string{"/band/song.wav", "/band/track.mp3"} {
		prev := -1
		for _, s := range snapshotsFor(snaps, ref) {
			assert.GreaterOrEqual(t, s.ProgressPercent, prev)
			prev = s.ProgressPercent
		}
	}

	require.Len(t, catalog.tracks, 2)
	wav, mp3 := catalog.tracks[0], catalog.tracks[1]

	assert.Equal(t, "song", wav.Title) // 无标签时取文件名去扩展名
	assert.Equal(t, "2:05", wav.DurationStr)
	assert.Equal(t, "Silver Lining", mp3.Title)
	assert.Equal(t, "The Attic Band", mp3.Artist)
	assert.Equal(t, "3:20", mp3.DurationStr)

	// 落库引用是网关描述符的持久引用，绝不是时效性播放URL
	for _, tr := range catalog.tracks {
		assert.NotContains(t, tr.StorageURL, "playback.example.com")
		assert.Contains(t, tr.StorageURL, "cdn.example.com")
		assert.Empty(t, tr.StorageKey)
		assert.EqualValues(t, 7, tr.UserID)
	}
}

func TestFailedFileDoesNotHaltBatch(t *testing.T) {
	gw := &fakeGateway{failFor: map[string]error{
		"broken.mp3": model.NewImportError(model.KindGateway, "gateway returned status 502", nil),
	}}
	catalog := &fakeCatalog{}
	o := New(gw, &fakeProber{}, fakeResolver{}, catalog, Options{CommitBackoff: time.Millisecond})

	candidates := []model.ImportCandidate{
		{SourceRef: "/band/broken.mp3", DisplayName: "broken.mp3"},
		{SourceRef: "/band/fine.mp3", DisplayName: "fine.mp3"},
	}
	require.NoError(t, o.ImportSelected(context.Background(), candidates, BatchOptions{}))

	snaps, tally := collectUntilDone(t, o, 2)
	assert.Equal(t, model.BatchTally{Completed: 1, Failed: 1, Total: 2}, tally)

	brokenSnaps := snapshotsFor(snaps, "/band/broken.mp3")
	last := brokenSnaps[len(brokenSnaps)-1]
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.KindGateway, last.ErrorKind)
	assert.NotEmpty(t, last.ErrorMessage)

	fineSnaps := snapshotsFor(snaps, "/band/fine.mp3")
	assert.Equal(t, model.StatusSucceeded, fineSnaps[len(fineSnaps)-1].Status)
	require.Len(t, catalog.tracks, 1)
}

func TestCommitRetriesTransientErrors(t *testing.T) {
	transient := model.NewImportError(model.KindTransientNetwork, "connection refused", nil)
	catalog := &fakeCatalog{errs: []error{transient, transient, nil}}
	o := New(&fakeGateway{}, &fakeProber{}, fakeResolver{}, catalog,
		Options{CommitAttempts: 3, CommitBackoff: time.Millisecond})

	require.NoError(t, o.ImportSelected(context.Background(),
		[]model.ImportCandidate{{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}}, BatchOptions{}))

	snaps, tally := collectUntilDone(t, o, 1)
	assert.Equal(t, 1, tally.Completed)
	assert.Equal(t, 3, catalog.insertCount())
	assert.Equal(t, model.StatusSucceeded, snaps[len(snaps)-1].Status)
}

func TestCommitRetryBound(t *testing.T) {
	transient := model.NewImportError(model.KindTransientNetwork, "connection refused", nil)
	catalog := &fakeCatalog{errs: []error{transient, transient, transient, transient}}
	o := New(&fakeGateway{}, &fakeProber{}, fakeResolver{}, catalog,
		Options{CommitAttempts: 3, CommitBackoff: time.Millisecond})

	require.NoError(t, o.ImportSelected(context.Background(),
		[]model.ImportCandidate{{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}}, BatchOptions{}))

	snaps, tally := collectUntilDone(t, o, 1)
	assert.Equal(t, 1, tally.Failed)
	// 严格最多3次尝试
	assert.Equal(t, 3, catalog.insertCount())

	last := snaps[len(snaps)-1]
	assert.Equal(t, model.StatusFailed, last.Status)
	assert.Equal(t, model.KindTransientNetwork, last.ErrorKind)
}

func TestCommitDoesNotRetryNonTransient(t *testing.T) {
	catalog := &fakeCatalog{errs: []error{errors.New("duplicate entry")}}
	o := New(&fakeGateway{}, &fakeProber{}, fakeResolver{}, catalog,
		Options{CommitAttempts: 3, CommitBackoff: time.Millisecond})

	require.NoError(t, o.ImportSelected(context.Background(),
		[]model.ImportCandidate{{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}}, BatchOptions{}))

	_, tally := collectUntilDone(t, o, 1)
	assert.Equal(t, 1, tally.Failed)
	assert.Equal(t, 1, catalog.insertCount())
}

func TestDuplicateInFlightRejected(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{block: block}
	o := New(gw, &fakeProber{}, fakeResolver{}, &fakeCatalog{}, Options{CommitBackoff: time.Millisecond})

	candidate := model.ImportCandidate{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}
	require.NoError(t, o.ImportSelected(context.Background(), []model.ImportCandidate{candidate}, BatchOptions{}))

	// 同一文件仍在途，二次选择必须被拒绝
	err := o.ImportSelected(context.Background(), []model.ImportCandidate{candidate}, BatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	close(block)
	collectUntilDone(t, o, 1)
}

func TestDuplicateWithinSelectionRejected(t *testing.T) {
	catalog := &fakeCatalog{}
	o := New(&fakeGateway{}, &fakeProber{}, fakeResolver{}, catalog, Options{CommitBackoff: time.Millisecond})

	candidate := model.ImportCandidate{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}

	// 同一文件在一次选择里出现两次：整批拒绝，不产生任何任务
	err := o.ImportSelected(context.Background(),
		[]model.ImportCandidate{candidate, candidate}, BatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate selection")
	assert.Empty(t, o.Jobs())
	assert.Equal(t, 0, catalog.insertCount())

	// 去重后的选择正常导入，且只落库一次
	require.NoError(t, o.ImportSelected(context.Background(),
		[]model.ImportCandidate{candidate}, BatchOptions{}))
	_, tally := collectUntilDone(t, o, 1)
	assert.Equal(t, 1, tally.Completed)
	assert.Equal(t, 1, catalog.insertCount())
}

func TestRetryRequiresFailedJob(t *testing.T) {
	gw := &fakeGateway{failFor: map[string]error{
		"a.mp3": model.NewImportError(model.KindGateway, "gateway returned status 500", nil),
	}}
	catalog := &fakeCatalog{}
	o := New(gw, &fakeProber{}, fakeResolver{}, catalog, Options{CommitBackoff: time.Millisecond})

	// 未知来源不可重试
	err := o.Retry(context.Background(), "/band/unknown.mp3", BatchOptions{})
	require.Error(t, err)

	require.NoError(t, o.ImportSelected(context.Background(),
		[]model.ImportCandidate{{SourceRef: "/band/a.mp3", DisplayName: "a.mp3"}}, BatchOptions{}))
	_, tally := collectUntilDone(t, o, 1)
	require.Equal(t, 1, tally.Failed)

	// 失败后修好网关，重试从头跑完整流水线
	gw.mu.Lock()
	delete(gw.failFor, "a.mp3")
	gw.mu.Unlock()

	require.NoError(t, o.Retry(context.Background(), "/band/a.mp3", BatchOptions{}))
	snaps, tally := collectUntilDone(t, o, 1)
	assert.Equal(t, 1, tally.Completed)
	assert.Equal(t, model.StatusSucceeded, snaps[len(snaps)-1].Status)

	// 成功的任务不再可重试
	err = o.Retry(context.Background(), "/band/a.mp3", BatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not retryable")
}

func TestEmptySelectionRejected(t *testing.T) {
	o := New(&fakeGateway{}, &fakeProber{}, fakeResolver{}, &fakeCatalog{}, Options{})
	require.Error(t, o.ImportSelected(context.Background(), nil, BatchOptions{}))
}

func progressOf(snaps []model.JobSnapshot) []int {
	out := make([]int, len(snaps))
	for i, s := range snaps {
		out[i] = s.ProgressPercent
	}
	return out
}

package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Bandmate/core/format"
	"Bandmate/core/gateway"
	"Bandmate/core/probe"
	"Bandmate/logger"
	"Bandmate/model"

	"github.com/google/uuid"
)

// 各状态迁移对应的固定进度检查点，UI无需轮询内部状态即可连续渲染
const (
	progressStart       = 10  // 任务启动，开始探测
	progressGatewayCall = 35  // 进入网关调用
	progressGatewayDone = 65  // 网关返回，探测时长
	progressCommitting  = 85  // 进入编目落库
	progressDone        = 100 // 成功
)

// 编目落库重试策略：瞬时写入失败常见且本设计内无去重键，指数退避重试
const (
	defaultCommitAttempts = 3
	defaultCommitBackoff  = 500 * time.Millisecond
)

// GatewayClient 转码/存储网关的两条互斥调用路径
type GatewayClient interface {
	Store(ctx context.Context, req gateway.Request) (*gateway.Result, error)
	Transcode(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

// Prober 元数据探测：时长带兜底，标签尽力而为
type Prober interface {
	ProbeDuration(ctx context.Context, url string) float64
	ProbeTags(ctx context.Context, url, filename string) probe.Tags
}

// LinkResolver 把候选的SourceRef解析为可访问的URL（远程临时链接或本地路径）
type LinkResolver interface {
	ResolveURL(ctx context.Context, sourceRef string) (string, error)
}

// CatalogInserter 编目写入，由track仓储实现
type CatalogInserter interface {
	InsertTrack(ctx context.Context, track *model.Track) (int64, error)
}

// Options 编排器构造配置，只含重试策略
type Options struct {
	CommitAttempts int           // 编目落库最大尝试次数，默认3
	CommitBackoff  time.Duration // 首次重试退避，之后翻倍，默认500ms
}

// BatchOptions 单个批次的显式参数。音质偏好等环境态在任务启动时读出后
// 显式传入，不从全局状态读取。
type BatchOptions struct {
	UserID   int64
	Quality  format.Quality
	IsPublic bool
}

func (b *BatchOptions) applyDefaults() {
	if b.Quality == "" {
		b.Quality = format.QualityMP3320
	}
}

func (o *Options) applyDefaults() {
	if o.CommitAttempts <= 0 {
		o.CommitAttempts = defaultCommitAttempts
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = defaultCommitBackoff
	}
}

// Event 发布给UI适配器的一次状态变更：任务快照或批次计数，二者至少其一
type Event struct {
	Job   *model.JobSnapshot `json:"job,omitempty"`
	Tally *model.BatchTally  `json:"tally,omitempty"`
}

// Orchestrator drives each candidate through classification, probing, the
// gateway call, duration resolution and the catalog commit, one file at a
// time. Job state is owned exclusively by the orchestrator; the UI adapter
// receives immutable snapshots over the event channel.
type Orchestrator struct {
	gateway  GatewayClient
	prober   Prober
	resolver LinkResolver
	catalog  CatalogInserter
	opts     Options

	mu   sync.Mutex
	jobs map[string]*model.ImportJob // 按SourceRef记录最近一次任务

	events chan Event

	// 串行化批处理：同一时刻最多一个网关调用在途
	batchMu sync.Mutex
}

// New 创建导入编排器
func New(gw GatewayClient, prober Prober, resolver LinkResolver, catalog CatalogInserter, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		gateway:  gw,
		prober:   prober,
		resolver: resolver,
		catalog:  catalog,
		opts:     opts,
		jobs:     make(map[string]*model.ImportJob),
		events:   make(chan Event, 256),
	}
}

// Events 返回状态变更事件流。消费者必须持续读取，否则流水线会因背压停顿。
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Jobs 返回所有任务的只读快照
func (o *Orchestrator) Jobs() []model.JobSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.JobSnapshot, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// ImportSelected starts one batch over the selected candidates and returns
// without blocking the caller. Jobs start strictly in selection order; a
// failed file does not halt the batch. Candidates that already have a
// non-terminal job are rejected up front.
func (o *Orchestrator) ImportSelected(ctx context.Context, candidates []model.ImportCandidate, opts BatchOptions) error {
	if len(candidates) == 0 {
		return fmt.Errorf("no candidates selected")
	}

	o.mu.Lock()
	// 同一SourceRef最多一个非终态任务：既检查在途任务，也检查本次选择内部的重复
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.SourceRef] {
			o.mu.Unlock()
			return fmt.Errorf("duplicate selection for %s", c.DisplayName)
		}
		seen[c.SourceRef] = true
		if existing, ok := o.jobs[c.SourceRef]; ok && !existing.Status.Terminal() {
			o.mu.Unlock()
			return fmt.Errorf("import already in flight for %s", c.DisplayName)
		}
	}
	jobs := make([]*model.ImportJob, 0, len(candidates))
	for _, c := range candidates {
		job := &model.ImportJob{
			ID:        uuid.New().String(),
			Candidate: c,
			Status:    model.StatusPending,
		}
		o.jobs[c.SourceRef] = job
		jobs = append(jobs, job)
	}
	o.mu.Unlock()

	opts.applyDefaults()
	go o.runBatch(ctx, jobs, opts)
	return nil
}

// Retry 为一个失败的候选创建全新任务并重新跑完整个流水线。
// 注意：若此前网关已落盘成功而编目失败，重跑会再次调用网关并产生孤儿对象，
// 这是当前设计接受的取舍。
func (o *Orchestrator) Retry(ctx context.Context, sourceRef string, opts BatchOptions) error {
	o.mu.Lock()
	prev, ok := o.jobs[sourceRef]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("no job recorded for source %s", sourceRef)
	}
	if !prev.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("import still in flight for %s", prev.Candidate.DisplayName)
	}
	if prev.Status != model.StatusFailed {
		o.mu.Unlock()
		return fmt.Errorf("job for %s is not retryable (status %s)", prev.Candidate.DisplayName, prev.Status)
	}
	job := &model.ImportJob{
		ID:        uuid.New().String(),
		Candidate: prev.Candidate,
		Status:    model.StatusPending,
	}
	o.jobs[sourceRef] = job
	o.mu.Unlock()

	opts.applyDefaults()
	go o.runBatch(ctx, []*model.ImportJob{job}, opts)
	return nil
}

func (o *Orchestrator) runBatch(ctx context.Context, jobs []*model.ImportJob, opts BatchOptions) {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	tally := model.BatchTally{Total: len(jobs)}
	for _, job := range jobs {
		if ctx.Err() != nil {
			// 未开始的任务跳过，不拖垮整批，保持可重试
			o.failJob(job, model.NewImportError(model.KindOther, "batch canceled before this file started", ctx.Err()))
			tally.Failed++
			o.publishTally(tally)
			continue
		}

		if err := o.runJob(ctx, job, opts); err != nil {
			o.failJob(job, classify(err))
			tally.Failed++
		} else {
			tally.Completed++
		}
		o.publishTally(tally)
	}

	logger.Info("导入批次结束",
		logger.Int("total", tally.Total),
		logger.Int("completed", tally.Completed),
		logger.Int("failed", tally.Failed))
}

// runJob 单个任务的状态机，严格向前，失败即止
func (o *Orchestrator) runJob(ctx context.Context, job *model.ImportJob, opts BatchOptions) error {
	candidate := job.Candidate
	logger.Info("开始导入文件",
		logger.String("file", candidate.DisplayName),
		logger.String("source", candidate.SourceRef))

	// Probing：解析可访问URL并尽力读取内嵌标签
	o.transition(job, model.StatusProbing, progressStart)

	srcURL, err := o.resolver.ResolveURL(ctx, candidate.SourceRef)
	if err != nil {
		return err
	}
	tags := o.prober.ProbeTags(ctx, srcURL, candidate.DisplayName)

	// Converting/Uploading：分类器的判定是硬分支
	req := gateway.Request{
		AudioURL: srcURL,
		FileName: candidate.DisplayName,
		Quality:  opts.Quality,
	}
	var result *gateway.Result
	if format.NeedsTranscode(candidate.DisplayName) {
		o.transition(job, model.StatusConverting, progressGatewayCall)
		result, err = o.gateway.Transcode(ctx, req)
	} else {
		o.transition(job, model.StatusUploading, progressGatewayCall)
		result, err = o.gateway.Store(ctx, req)
	}
	if err != nil {
		return err
	}

	// 网关返回后在结果URL上解析时长（兜底180s，绝不失败）
	o.transition(job, model.StatusProbing, progressGatewayDone)
	duration := o.prober.ProbeDuration(ctx, result.PlaybackURL)

	// Committing：持久引用只能来自网关描述符，绝不落临时探测URL
	o.transition(job, model.StatusCommitting, progressCommitting)
	track := buildTrack(candidate, tags, result, duration, opts)
	trackID, err := o.commitWithRetry(ctx, track)
	if err != nil {
		return err
	}

	o.mu.Lock()
	job.ResultTrackID = trackID
	o.mu.Unlock()
	o.transition(job, model.StatusSucceeded, progressDone)

	logger.Info("文件导入成功",
		logger.String("file", candidate.DisplayName),
		logger.Int64("trackId", trackID),
		logger.Float64("duration", duration))
	return nil
}

func buildTrack(candidate model.ImportCandidate, tags probe.Tags, result *gateway.Result, duration float64, opts BatchOptions) *model.Track {
	title := tags.Title
	if title == "" {
		title = strings.TrimSuffix(candidate.DisplayName, filepathExt(candidate.DisplayName))
	}

	track := &model.Track{
		UserID:      opts.UserID,
		Title:       title,
		Artist:      tags.Artist,
		Duration:    duration,
		DurationStr: probe.FormatDuration(duration),
		StorageType: result.Descriptor.BackendHint,
		IsPublic:    opts.IsPublic,
	}
	switch result.Descriptor.Kind {
	case model.StoragePublicURL:
		track.StorageURL = result.Descriptor.PublicURL
	case model.StoragePrivateKey:
		track.StorageKey = result.Descriptor.PrivateKey
	}
	return track
}

// commitWithRetry 只对瞬时网络错误重试，其余错误立即失败
func (o *Orchestrator) commitWithRetry(ctx context.Context, track *model.Track) (int64, error) {
	backoff := o.opts.CommitBackoff
	var lastErr error
	for attempt := 1; attempt <= o.opts.CommitAttempts; attempt++ {
		id, err := o.catalog.InsertTrack(ctx, track)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if model.KindOf(err) != model.KindTransientNetwork {
			return 0, err
		}
		if attempt == o.opts.CommitAttempts {
			break
		}
		logger.Warn("编目落库失败，准备重试",
			logger.String("title", track.Title),
			logger.Int("attempt", attempt),
			logger.Duration("backoff", backoff),
			logger.ErrorField(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return 0, model.NewImportError(model.KindTimeout, "catalog commit canceled during backoff", ctx.Err())
		}
		backoff *= 2
	}
	return 0, lastErr
}

// transition 推进任务状态并同步发布快照。进度在单次尝试内单调不减。
func (o *Orchestrator) transition(job *model.ImportJob, status model.JobStatus, progress int) {
	o.mu.Lock()
	job.Status = status
	if progress > job.ProgressPercent {
		job.ProgressPercent = progress
	}
	snap := job.Snapshot()
	o.mu.Unlock()

	o.events <- Event{Job: &snap}
}

func (o *Orchestrator) failJob(job *model.ImportJob, ierr *model.ImportError) {
	o.mu.Lock()
	job.Status = model.StatusFailed
	job.Err = ierr
	job.ErrorKind = ierr.Kind
	job.ErrorMessage = ierr.Message
	snap := job.Snapshot()
	o.mu.Unlock()

	logger.Error("文件导入失败",
		logger.String("file", job.Candidate.DisplayName),
		logger.String("kind", string(ierr.Kind)),
		logger.ErrorField(ierr))

	o.events <- Event{Job: &snap}
}

func (o *Orchestrator) publishTally(tally model.BatchTally) {
	t := tally
	o.events <- Event{Tally: &t}
}

func classify(err error) *model.ImportError {
	var ierr *model.ImportError
	if errors.As(err, &ierr) {
		return ierr
	}
	return model.NewImportError(model.KindOther, err.Error(), err)
}

func filepathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

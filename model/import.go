package model

import (
	"errors"
	"fmt"
)

// ErrorKind 导入错误分类
type ErrorKind string

const (
	// KindAuthExpired 远程网盘token失效，需要用户重新授权，不自动重试
	KindAuthExpired ErrorKind = "auth_expired"
	// KindTransientNetwork 网络抖动或5xx，可安全重试
	KindTransientNetwork ErrorKind = "transient_network"
	// KindGateway 转码/存储网关返回非2xx
	KindGateway ErrorKind = "gateway_error"
	// KindTimeout 任一步骤超过截止时间
	KindTimeout ErrorKind = "timeout"
	// KindValidation 网关返回结果违反契约，例如既无公开URL也无私有key
	KindValidation ErrorKind = "validation_error"
	// KindOther 其他未分类错误
	KindOther ErrorKind = "other"
)

// ImportError carries a human-readable cause plus a machine-checkable kind.
type ImportError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ImportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// NewImportError 创建一个带分类的导入错误
func NewImportError(kind ErrorKind, message string, err error) *ImportError {
	return &ImportError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindOther for unclassified errors.
func KindOf(err error) ErrorKind {
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindOther
}

// ImportCandidate 等待导入的单个文件，创建后不可变
type ImportCandidate struct {
	SourceRef   string `json:"sourceRef"`   // opaque locator: remote path or local file path
	DisplayName string `json:"displayName"` // derived from SourceRef, shown to the user
	SizeBytes   int64  `json:"sizeBytes"`   // informational only
}

// JobStatus 导入任务状态
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProbing    JobStatus = "probing"
	StatusConverting JobStatus = "converting"
	StatusUploading  JobStatus = "uploading"
	StatusCommitting JobStatus = "committing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ImportJob 编排器为一个候选文件的一次导入尝试持有的单元。
// 仅由编排器修改，UI侧只读快照。
type ImportJob struct {
	ID              string          `json:"id"`
	Candidate       ImportCandidate `json:"candidate"`
	Status          JobStatus       `json:"status"`
	ProgressPercent int             `json:"progressPercent"` // 0-100，单次尝试内单调不减
	Err             *ImportError    `json:"-"`
	ErrorKind       ErrorKind       `json:"errorKind,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ResultTrackID   int64           `json:"resultTrackId,omitempty"` // set only on success
}

// Snapshot returns an immutable copy for publication to the UI adapter.
func (j *ImportJob) Snapshot() JobSnapshot {
	snap := JobSnapshot{
		JobID:           j.ID,
		SourceRef:       j.Candidate.SourceRef,
		DisplayName:     j.Candidate.DisplayName,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ResultTrackID:   j.ResultTrackID,
	}
	if j.Err != nil {
		snap.ErrorKind = j.Err.Kind
		snap.ErrorMessage = j.Err.Message
	}
	return snap
}

// JobSnapshot 发布给UI适配器的不可变任务状态快照
type JobSnapshot struct {
	JobID           string    `json:"jobId"`
	SourceRef       string    `json:"sourceRef"`
	DisplayName     string    `json:"displayName"`
	Status          JobStatus `json:"status"`
	ProgressPercent int       `json:"progressPercent"`
	ErrorKind       ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	ResultTrackID   int64     `json:"resultTrackId,omitempty"`
}

// BatchTally 批次级成功/失败计数，每处理完一个文件更新一次
type BatchTally struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// StorageKind 持久存储引用的种类
type StorageKind string

const (
	StoragePublicURL  StorageKind = "public_url"
	StoragePrivateKey StorageKind = "private_key"
)

// StorageDescriptor 网关落盘后的持久结果，互斥地持有公开URL或私有key。
// 只由网关产生，返回后不可变。
type StorageDescriptor struct {
	Kind        StorageKind `json:"kind"`
	PublicURL   string      `json:"publicUrl,omitempty"`
	PrivateKey  string      `json:"privateKey,omitempty"`
	BackendHint string      `json:"backendHint"` // storage tier, e.g. "r2", "minio"
}

// Validate 校验描述符契约：必须恰好持有一种引用
func (d StorageDescriptor) Validate() error {
	hasURL := d.PublicURL != ""
	hasKey := d.PrivateKey != ""
	if hasURL == hasKey {
		return NewImportError(KindValidation,
			fmt.Sprintf("storage descriptor must carry exactly one of public url or private key (url=%q key=%q)", d.PublicURL, d.PrivateKey), nil)
	}
	return nil
}

// DurableRef 返回用于编目落库的持久引用
func (d StorageDescriptor) DurableRef() string {
	if d.PublicURL != "" {
		return d.PublicURL
	}
	return d.PrivateKey
}

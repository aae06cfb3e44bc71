// Package queue 实现双通道（优先/普通）的请求队列和任务状态记录。
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/logger"
)

// DefaultCapacity 每个通道的默认容量。
const DefaultCapacity = 100

var (
	// ErrQueueFull 目标通道已满，请求未入队。
	ErrQueueFull = errors.New("队列已满")
	// ErrNotFound 任务不存在或已被清理。
	ErrNotFound = errors.New("任务不存在")
	// ErrInvalidTransition 状态只能向前推进。
	ErrInvalidTransition = errors.New("非法的状态转换")
	// ErrCleared 任务在完成前被清除。
	ErrCleared = errors.New("任务已被清除")
)

// Status 任务状态，只能按 queued → processing → completed/failed 前进。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	}
	return 2
}

// Terminal 返回是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item 任务快照。
type Item struct {
	ID         string    `json:"task_id"`
	Text       string    `json:"text,omitempty"`
	Priority   bool      `json:"priority"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	// Audio 预先渲染的音频，非空时跳过合成。
	Audio *audio.Buffer `json:"-"`
}

// Snapshot 队列整体状态。
type Snapshot struct {
	PriorityPending int    `json:"priority_pending"`
	RegularPending  int    `json:"regular_pending"`
	Processing      string `json:"processing,omitempty"`
	Items           []Item `json:"items"`
}

type entry struct {
	Item
	done chan struct{}
}

// Queue 是进程内唯一的请求队列，所有方法并发安全。
type Queue struct {
	capacity  int
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	priority []*entry
	regular  []*entry
	items    map[string]*entry
	current  string
	notify   chan struct{}
}

// New 创建队列。capacity 为每个通道的容量，retention <= 0 表示终态任务一直保留到 Clear。
func New(capacity int, retention time.Duration) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity:  capacity,
		retention: retention,
		now:       time.Now,
		items:     make(map[string]*entry),
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue 把文本请求放入对应通道。通道已满时返回 ErrQueueFull，队列不变。
func (q *Queue) Enqueue(text string, priority bool) (Item, error) {
	return q.add(Item{Text: text, Priority: priority})
}

// EnqueueAudio 放入预先渲染的音频。
func (q *Queue) EnqueueAudio(buf *audio.Buffer, priority bool) (Item, error) {
	if err := buf.Validate(); err != nil {
		return Item{}, err
	}
	return q.add(Item{Audio: buf, Priority: priority})
}

func (q *Queue) add(it Item) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := &q.regular
	if it.Priority {
		lane = &q.priority
	}
	if len(*lane) >= q.capacity {
		logger.Warnf("[queue] 通道已满 (priority=%v, capacity=%d)", it.Priority, q.capacity)
		return Item{}, ErrQueueFull
	}

	it.ID = newID()
	it.Status = StatusQueued
	it.EnqueuedAt = q.now()
	e := &entry{Item: it, done: make(chan struct{})}
	*lane = append(*lane, e)
	q.items[it.ID] = e

	select {
	case q.notify <- struct{}{}:
	default:
	}

	logger.Debugf("[queue] 入队 %s (priority=%v, 待处理 %d/%d)", it.ID, it.Priority, len(q.priority), len(q.regular))
	return e.snapshot(), nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DequeueNext 取出下一个任务：优先通道先于普通通道，通道内先进先出。
// 两个通道都为空时最多等待 wait。返回的 Item 带有音频，记录中的音频随之释放。
func (q *Queue) DequeueNext(ctx context.Context, wait time.Duration) (Item, bool) {
	if it, ok := q.pop(); ok {
		return it, true
	}
	if wait <= 0 {
		return Item{}, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if it, ok := q.pop(); ok {
				return it, true
			}
		case <-timer.C:
			return q.pop()
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var e *entry
	switch {
	case len(q.priority) > 0:
		e = q.priority[0]
		q.priority[0] = nil
		q.priority = q.priority[1:]
	case len(q.regular) > 0:
		e = q.regular[0]
		q.regular[0] = nil
		q.regular = q.regular[1:]
	default:
		return Item{}, false
	}

	it := e.snapshot()
	it.Audio = e.Audio
	e.Audio = nil
	return it, true
}

// Status 返回任务快照。
func (q *Queue) Status(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// MarkProcessing 标记任务开始处理。同一时刻只能有一个任务处于处理中。
func (q *Queue) MarkProcessing(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != "" && q.current != id {
		return fmt.Errorf("%w: %s 仍在处理中", ErrInvalidTransition, q.current)
	}
	e, err := q.transitionLocked(id, StatusProcessing)
	if err != nil {
		return err
	}
	e.StartedAt = q.now()
	q.current = id
	return nil
}

// MarkCompleted 标记任务完成。
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(id, StatusCompleted, nil)
}

// MarkFailed 标记任务失败并记录原因。
func (q *Queue) MarkFailed(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(id, StatusFailed, cause)
}

func (q *Queue) finishLocked(id string, to Status, cause error) error {
	e, err := q.transitionLocked(id, to)
	if err != nil {
		return err
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	e.FinishedAt = q.now()
	if q.current == id {
		q.current = ""
	}
	close(e.done)
	return nil
}

func (q *Queue) transitionLocked(id string, to Status) (*entry, error) {
	e, ok := q.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	// 只允许 queued → processing → completed/failed 逐级前进
	if e.Status.Terminal() || to.rank() != e.Status.rank()+1 {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, e.Status, to)
	}
	logger.Debugf("[queue] %s: %s → %s", id, e.Status, to)
	e.Status = to
	return e, nil
}

// Wait 阻塞直到任务进入终态或被清除。
func (q *Queue) Wait(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	e, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return Item{}, ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.Status.Terminal() {
		return e.snapshot(), ErrCleared
	}
	return e.snapshot(), nil
}

// Clear 丢弃所有待处理任务和全部记录，返回被丢弃的待处理任务数。
// 仍在等待的 Wait 调用返回 ErrCleared。
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.priority) + len(q.regular)
	for _, e := range q.items {
		if !e.Status.Terminal() {
			close(e.done)
		}
	}
	q.priority = nil
	q.regular = nil
	q.items = make(map[string]*entry)
	q.current = ""

	logger.Infof("[queue] 已清空，丢弃 %d 个待处理任务", dropped)
	return dropped
}

// Prune 删除完成时间早于 retention 的终态任务，返回删除数量。
func (q *Queue) Prune() int {
	if q.retention <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.retention)
	n := 0
	for id, e := range q.items {
		if e.Status.Terminal() && e.FinishedAt.Before(cutoff) {
			delete(q.items, id)
			n++
		}
	}
	if n > 0 {
		logger.Debugf("[queue] 清理 %d 条过期记录", n)
	}
	return n
}

// Pending 返回两个通道的待处理数量。
func (q *Queue) Pending() (priority, regular int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority), len(q.regular)
}

// Idle 返回是否既没有待处理任务也没有处理中的任务。
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) == 0 && len(q.regular) == 0 && q.current == ""
}

// Current 返回处理中的任务 ID。
func (q *Queue) Current() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, q.current != ""
}

// Snapshot 返回队列状态，任务按入队时间排序。
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		PriorityPending: len(q.priority),
		RegularPending:  len(q.regular),
		Processing:      q.current,
		Items:           make([]Item, 0, len(q.items)),
	}
	for _, e := range q.items {
		s.Items = append(s.Items, e.snapshot())
	}
	sort.Slice(s.Items, func(i, j int) bool {
		a, b := s.Items[i], s.Items[j]
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
	return s
}

// snapshot 复制任务字段，不带音频。
func (e *entry) snapshot() Item {
	it := e.Item
	it.Audio = nil
	return it
}

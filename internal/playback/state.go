package playback

import (
	"sync"

	"github.com/iabetor/pispeak/internal/logger"
)

// State 表示播放工作协程的当前状态。
type State int

const (
	// StateIdle 空闲，等待提交。
	StateIdle State = iota
	// StateLoading 正在选择设备、打开输出流。
	StateLoading
	// StatePlaying 正在向设备写入音频。
	StatePlaying
	// StateFailed 本次尝试失败，等待退避后重试。
	StateFailed
)

var stateNames = [...]string{
	"Idle",
	"Loading",
	"Playing",
	"Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// StateMachine 管理线程安全的状态转换。
type StateMachine struct {
	mu       sync.RWMutex
	current  State
	onChange func(from, to State)
}

// NewStateMachine 创建一个初始状态为 Idle 的状态机。
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
	}
}

// SetOnChange 注册状态变化时的回调函数。
func (sm *StateMachine) SetOnChange(fn func(from, to State)) {
	sm.mu.Lock()
	sm.onChange = fn
	sm.mu.Unlock()
}

// Current 返回当前状态。
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition 尝试切换状态。只有合法的转换才会生效：
//
//	Idle    → Loading  （开始处理一次提交）
//	Loading → Playing  （设备就绪）
//	Loading → Failed   （选择设备或打开流失败）
//	Playing → Failed   （写入失败）
//	Failed  → Loading  （重试）
//
// 任何状态都可以转换到 Idle（播放完毕、被停止或重试耗尽）。
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransition(sm.current, to) {
		logger.Warnf("[state] 非法转换 %s → %s", sm.current, to)
		return false
	}

	from := sm.current
	sm.current = to
	logger.Debugf("[state] %s → %s", from, to)

	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return true
}

// ForceIdle 无条件重置状态为 Idle。
func (sm *StateMachine) ForceIdle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	sm.current = StateIdle
	if from != StateIdle {
		logger.Debugf("[state] 强制重置 %s → Idle", from)
		if sm.onChange != nil {
			sm.onChange(from, StateIdle)
		}
	}
}

func validTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateLoading
	case StateLoading:
		return to == StatePlaying || to == StateFailed
	case StatePlaying:
		return to == StateFailed
	case StateFailed:
		return to == StateLoading
	}
	return false
}

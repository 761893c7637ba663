package pipeline

import (
	"sync"

	"github.com/iabetor/feedbuddy/internal/logger"
)

// State 表示聚合周期当前所处的阶段。
type State int

const (
	// StateIdle 空闲，等待下一轮刷新。
	StateIdle State = iota
	// StateFetching 正在并发抓取和解析各订阅源。
	StateFetching
	// StateAggregating 所有订阅源已结束，正在合并排序并生成分类。
	StateAggregating
)

var stateNames = [...]string{
	"Idle",
	"Fetching",
	"Aggregating",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// StateMachine 管理线程安全的阶段转换。
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
//	Idle        → Fetching     （开始新一轮刷新）
//	Fetching    → Aggregating  （所有订阅源已结束）
//	Aggregating → Idle         （快照已发布或被丢弃）
//
// 任何状态都可以转换到 Idle，也可以转换到 Fetching（新一轮刷新取代旧的一轮）。
func (sm *StateMachine) Transition(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransition(sm.current, to) {
		logger.Debugf("[pipeline] 非法转换 %s → %s", sm.current, to)
		return false
	}

	from := sm.current
	sm.current = to
	logger.Debugf("[pipeline] %s → %s", from, to)

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
		logger.Debugf("[pipeline] 强制重置 %s → Idle", from)
		if sm.onChange != nil {
			sm.onChange(from, StateIdle)
		}
	}
}

// validTransition 检查状态转换是否合法。
func validTransition(from, to State) bool {
	if to == StateIdle || to == StateFetching {
		return true
	}
	return from == StateFetching && to == StateAggregating
}

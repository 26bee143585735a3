package models

import "fmt"

// ActivityState 活动状态
type ActivityState string

const (
	StateActive    ActivityState = "ACTIVE"
	StateFidget    ActivityState = "FIDGET"
	StateSedentary ActivityState = "SEDENTARY"
)

// ParseActivityState 解析持久化的状态字符串
func ParseActivityState(s string) (ActivityState, error) {
	switch ActivityState(s) {
	case StateActive, StateFidget, StateSedentary:
		return ActivityState(s), nil
	}
	return "", fmt.Errorf("unknown activity state %q", s)
}

// ClassifierContext 分类器上下文（只由分类步骤修改，按值传递）
type ClassifierContext struct {
	State             ActivityState
	InactivitySeconds uint64
	AlertFired        bool
}

// InitialContext 启动时的上下文
func InitialContext() ClassifierContext {
	return ClassifierContext{State: StateActive}
}

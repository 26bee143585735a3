package classifier

import (
	"errors"
	"fmt"

	"wisefido-sedentary/internal/models"
)

// ErrInvalidThresholds fidget 阈值必须小于 active 阈值
var ErrInvalidThresholds = errors.New("fidget threshold must be below active threshold")

// Thresholds 分类阈值
type Thresholds struct {
	Fidget            float64
	Active            float64
	AlertLimitSeconds uint64
}

// Classifier 三态分类器（Active / Fidget / Sedentary）
// 无内部状态，上下文由调用方按值传入并取回
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier 创建分类器，阈值顺序错误时返回错误
func NewClassifier(t Thresholds) (*Classifier, error) {
	if t.Fidget >= t.Active {
		return nil, fmt.Errorf("%w: fidget=%v active=%v", ErrInvalidThresholds, t.Fidget, t.Active)
	}
	return &Classifier{thresholds: t}, nil
}

// Thresholds 返回当前阈值
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify 执行一次分类
// 规则按优先级：
//  1. 有运动或 smoothed > active：ACTIVE，计时清零，无报警
//  2. smoothed > fidget：FIDGET，计时保持不变
//  3. 其他：SEDENTARY，计时 +1
//
// alert 为电平触发：计时 >= 上限的每一拍都为 true
func (c *Classifier) Classify(motion bool, smoothed models.SmoothedSample, prior models.ClassifierContext) (models.ClassifierContext, models.ProcessedEvent) {
	next := prior

	switch {
	case motion || smoothed.SmoothedAccel > c.thresholds.Active:
		next.State = models.StateActive
		next.InactivitySeconds = 0
		next.AlertFired = false
	case smoothed.SmoothedAccel > c.thresholds.Fidget:
		next.State = models.StateFidget
		next.AlertFired = next.InactivitySeconds >= c.thresholds.AlertLimitSeconds
	default:
		next.State = models.StateSedentary
		next.InactivitySeconds = prior.InactivitySeconds + 1
		next.AlertFired = next.InactivitySeconds >= c.thresholds.AlertLimitSeconds
	}

	return next, models.ProcessedEvent{
		State:             next.State,
		InactivitySeconds: next.InactivitySeconds,
		SmoothedAccel:     smoothed.SmoothedAccel,
		Alert:             next.AlertFired,
		ObservedAt:        smoothed.ObservedAt,
		Origin:            models.OriginLive,
	}
}

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedSample 无法解析或缺少字段的采样
var ErrMalformedSample = errors.New("malformed sample")

// RawSample 原始采样
type RawSample struct {
	ObservedAt time.Time
	MotionFlag bool
	AccelDelta float64
}

// Valid 检查数值是否可用于平滑窗口
func (s RawSample) Valid() bool {
	return !math.IsNaN(s.AccelDelta) && !math.IsInf(s.AccelDelta, 0)
}

// SmoothedSample 平滑后的采样
type SmoothedSample struct {
	ObservedAt    time.Time
	SmoothedAccel float64
}

// rawSampleWire 传感器输入格式 {"ts": "...", "pir": 0|1, "acc": 0.01}
type rawSampleWire struct {
	TS  *string      `json:"ts"`
	PIR *json.Number `json:"pir"`
	Acc *float64     `json:"acc"`
}

// ParseRawSample 解析一行传感器输入
// 行首可以带 "[timestamp] " 前缀（日志文件格式）；ts 缺失或无法解析时使用 receivedAt
func ParseRawSample(line []byte, receivedAt time.Time) (RawSample, error) {
	payload := stripLogPrefix(bytes.TrimSpace(line))
	if len(payload) == 0 {
		return RawSample{}, fmt.Errorf("%w: empty line", ErrMalformedSample)
	}

	var wire rawSampleWire
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return RawSample{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}
	if wire.PIR == nil {
		return RawSample{}, fmt.Errorf("%w: missing pir", ErrMalformedSample)
	}
	if wire.Acc == nil {
		return RawSample{}, fmt.Errorf("%w: missing acc", ErrMalformedSample)
	}

	var motion bool
	switch wire.PIR.String() {
	case "0":
		motion = false
	case "1":
		motion = true
	default:
		return RawSample{}, fmt.Errorf("%w: pir must be 0 or 1, got %s", ErrMalformedSample, wire.PIR.String())
	}

	sample := RawSample{
		ObservedAt: receivedAt.UTC(),
		MotionFlag: motion,
		AccelDelta: *wire.Acc,
	}
	if !sample.Valid() {
		return RawSample{}, fmt.Errorf("%w: acc is not finite", ErrMalformedSample)
	}
	if wire.TS != nil {
		if ts, ok := parseRTCTimestamp(*wire.TS, receivedAt); ok {
			sample.ObservedAt = ts
		}
	}
	return sample, nil
}

// stripLogPrefix 去掉 "[...] " 前缀，返回第一个 '{' 开始的内容
func stripLogPrefix(line []byte) []byte {
	if len(line) > 0 && line[0] == '[' {
		if idx := bytes.IndexByte(line, '{'); idx >= 0 {
			return line[idx:]
		}
	}
	return line
}

// parseRTCTimestamp 解析 RTC 时间
// 支持 RFC3339 和 HH:MM:SS（与 receivedAt 的 UTC 日期拼接）
func parseRTCTimestamp(ts string, receivedAt time.Time) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UTC(), true
	}
	clock, err := time.Parse("15:04:05", ts)
	if err != nil {
		return time.Time{}, false
	}
	day := receivedAt.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC), true
}

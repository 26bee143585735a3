package models

import "time"

// Origin 事件来源
type Origin int

const (
	// OriginLive 实时传感器数据
	OriginLive Origin = iota
	// OriginReplay 回放的历史数据
	OriginReplay
)

func (o Origin) String() string {
	if o == OriginReplay {
		return "replay"
	}
	return "live"
}

// ProcessedEvent 发布到 Hub 的事件，创建后不可修改
// JSON 格式是所有下游消费者的唯一契约
type ProcessedEvent struct {
	State             ActivityState `json:"state"`
	InactivitySeconds uint64        `json:"timer"`
	SmoothedAccel     float64       `json:"val"`
	Alert             bool          `json:"alert"`
	ObservedAt        time.Time     `json:"timestamp"`

	// Origin 不对外输出，下游看到的实时和回放事件格式一致
	Origin Origin `json:"-"`
	// Seq Hub 发布序号，单调递增；0 表示未经 Hub 发布
	Seq uint64 `json:"-"`
}

// Replayed 是否为回放事件
func (e ProcessedEvent) Replayed() bool {
	return e.Origin == OriginReplay
}

// Sample 管道输入单元
// Origin 为 OriginLive 时使用 Raw，OriginReplay 时使用 Archived
type Sample struct {
	Origin   Origin
	Raw      RawSample
	Archived ProcessedEvent
}

// LiveSample 包装实时采样
func LiveSample(raw RawSample) Sample {
	return Sample{Origin: OriginLive, Raw: raw}
}

// ReplaySample 包装回放的历史事件
func ReplaySample(ev ProcessedEvent) Sample {
	ev.Origin = OriginReplay
	return Sample{Origin: OriginReplay, Archived: ev}
}

// FallbackStatus 回放状态（只由 Liveness Monitor 写入）
type FallbackStatus struct {
	Active           bool       `json:"active"`
	Mode             string     `json:"mode"`
	Disabled         bool       `json:"disabled"`
	LastRealSampleAt time.Time  `json:"last_real_sample_at"`
	EnteredAt        *time.Time `json:"entered_at,omitempty"`
	Transitions      uint64     `json:"transitions"`
}

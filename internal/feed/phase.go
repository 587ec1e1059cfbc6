package feed

// Phase：BACKFILLING -> LIVE -> DONE，DONE 是终态
type Phase uint8

const (
	PhaseBackfilling Phase = iota + 1
	PhaseLive
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseBackfilling:
		return "backfilling"
	case PhaseLive:
		return "live"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Status：Pull 的三种结果
type Status uint8

const (
	// StatusRecord 返回了一根 K 线
	StatusRecord Status = iota + 1
	// StatusPending 暂时没有，稍后再试
	StatusPending
	// StatusFinished 不会再有数据
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusRecord:
		return "record"
	case StatusPending:
		return "pending"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type NotificationKind uint8

const (
	// NotifyDelayed 开始回补历史（数据是延迟的）
	NotifyDelayed NotificationKind = iota + 1
	NotifyLive
	NotifyDone
	NotifyUnsupportedGranularity
	NotifyUnknownSymbol
	// NotifyDisconnected 实时推送彻底失败，feed 已结束
	NotifyDisconnected
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyDelayed:
		return "delayed"
	case NotifyLive:
		return "live"
	case NotifyDone:
		return "done"
	case NotifyUnsupportedGranularity:
		return "unsupported_granularity"
	case NotifyUnknownSymbol:
		return "unknown_symbol"
	case NotifyDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Notification struct {
	Kind NotificationKind
	Err  error
}

package in

import "github.com/EthanQC/realtime/internal/domain/entity"

// Outcome 状态变更类操作的结果
type Outcome string

const (
	OutcomeApplied Outcome = "applied" // 本次请求完成了状态转换
	OutcomeNoop    Outcome = "noop"    // 通话已处于其他终态，按幂等处理
)

// Delivery 尽力而为的发布结果
// 失败只用于日志与指标，永远不会升级为调用方的错误
type Delivery struct {
	Published bool   `json:"published"`
	Reason    string `json:"reason,omitempty"`
}

// Delivered 发布成功
func Delivered() Delivery { return Delivery{Published: true} }

// Undelivered 发布失败
func Undelivered(reason string) Delivery { return Delivery{Reason: reason} }

// CallResult 通话操作结果
type CallResult struct {
	Call     *entity.Call `json:"call"`
	Outcome  Outcome      `json:"outcome"`
	Delivery Delivery     `json:"delivery"`
}

// Applied 是否由本次请求完成转换
func (r *CallResult) Applied() bool {
	return r.Outcome == OutcomeApplied
}

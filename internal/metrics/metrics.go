package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CallTransitions 通话状态转换次数，result=applied|noop
	CallTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_call_transitions_total",
			Help: "Call state transitions by target state and result.",
		},
		[]string{"state", "result"},
	)

	// Publishes 事件发布次数
	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_publish_total",
			Help: "Pub/sub publishes by event and result.",
		},
		[]string{"event", "result"},
	)

	// RoomOps 房间服务调用次数
	RoomOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_room_ops_total",
			Help: "Video room provider calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// Connections 当前 WebSocket 连接数
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_connections",
			Help: "Open WebSocket connections.",
		},
	)
)

// Register 在 main 里注册所有指标
func Register(reg prometheus.Registerer) {
	reg.MustRegister(CallTransitions, Publishes, RoomOps, Connections)
}

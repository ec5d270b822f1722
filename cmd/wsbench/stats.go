package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// 错误信息截断长度
const maxErrorLen = 50

// Stats 统计数据，计数器用原子操作，切片与 map 由 mu 保护
type Stats struct {
	mu sync.Mutex

	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64
	CurrentConns  int64
	Disconnects   int64

	CommandsSent   int64
	CommandsFailed int64
	AcksReceived   int64
	EventsReceived int64

	PingsSent     int64
	PongsReceived int64

	connLatencies []int64 // 纳秒
	cmdLatencies  []int64
	errors        map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{
		errors:    make(map[string]int64),
		StartTime: time.Now(),
	}
}

func (s *Stats) recordError(msg string) {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	s.mu.Lock()
	s.errors[msg]++
	s.mu.Unlock()
}

func (s *Stats) recordConnLatency(d time.Duration) {
	s.mu.Lock()
	s.connLatencies = append(s.connLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

func (s *Stats) recordCmdLatency(d time.Duration) {
	s.mu.Lock()
	s.cmdLatencies = append(s.cmdLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

// Result 压测结果
type Result struct {
	Mode   string `json:"mode"`
	Target string `json:"target"`
	Conns  int    `json:"target_conns"`

	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`
	FinalConns    int64   `json:"final_conns"`

	ConnLatency LatencyStats `json:"conn_latency_ms"`
	// 指令 ack 往返延迟
	CmdLatency LatencyStats `json:"cmd_latency_ms"`

	CommandsSent   int64 `json:"commands_sent"`
	CommandsFailed int64 `json:"commands_failed"`
	AcksReceived   int64 `json:"acks_received"`
	EventsReceived int64 `json:"events_received"`

	PingsSent     int64   `json:"pings_sent"`
	PongsReceived int64   `json:"pongs_received"`
	PongRate      float64 `json:"pong_rate_percent"`

	Errors     map[string]int64 `json:"errors"`
	ActualTime float64          `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计（毫秒）
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func printProgress(stats *Stats) {
	elapsed := time.Since(stats.StartTime)
	fmt.Printf("[%s] 当前连接: %d | 成功: %d | 失败: %d | 断开: %d | 指令/ack: %d/%d | 事件: %d\n",
		elapsed.Round(time.Second),
		atomic.LoadInt64(&stats.CurrentConns),
		atomic.LoadInt64(&stats.SuccessConns),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.Disconnects),
		atomic.LoadInt64(&stats.CommandsSent),
		atomic.LoadInt64(&stats.AcksReceived),
		atomic.LoadInt64(&stats.EventsReceived),
	)
}

func generateResult(cfg Config, stats *Stats) Result {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	result := Result{
		Mode:           cfg.Mode,
		Target:         cfg.Target,
		Conns:          cfg.Conns,
		TotalAttempts:  stats.TotalAttempts,
		SuccessConns:   stats.SuccessConns,
		FailedConns:    stats.FailedConns,
		Disconnects:    stats.Disconnects,
		FinalConns:     stats.CurrentConns,
		CommandsSent:   stats.CommandsSent,
		CommandsFailed: stats.CommandsFailed,
		AcksReceived:   stats.AcksReceived,
		EventsReceived: stats.EventsReceived,
		PingsSent:      stats.PingsSent,
		PongsReceived:  stats.PongsReceived,
		Errors:         stats.errors,
		ConnLatency:    calculateLatencyStats(stats.connLatencies),
		CmdLatency:     calculateLatencyStats(stats.cmdLatencies),
		ActualTime:     stats.EndTime.Sub(stats.StartTime).Seconds(),
	}
	if stats.TotalAttempts > 0 {
		result.SuccessRate = float64(stats.SuccessConns) / float64(stats.TotalAttempts) * 100
	}
	if stats.PingsSent > 0 {
		result.PongRate = float64(stats.PongsReceived) / float64(stats.PingsSent) * 100
	}
	return result
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	pct := func(p int) float64 {
		return toMs(float64(sorted[len(sorted)*p/100]))
	}
	return LatencyStats{
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    pct(50),
		P90:    pct(90),
		P95:    pct(95),
		P99:    pct(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputJSON(result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s (ms) ---\n", title)
	fmt.Printf("Min: %.2f  Max: %.2f  Avg: %.2f  StdDev: %.2f\n", l.Min, l.Max, l.Avg, l.StdDev)
	fmt.Printf("P50: %.2f  P90: %.2f  P95: %.2f  P99: %.2f\n", l.P50, l.P90, l.P95, l.P99)
	fmt.Println()
}

func outputText(result Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", result.TotalAttempts)
	fmt.Printf("成功连接数:     %d\n", result.SuccessConns)
	fmt.Printf("失败连接数:     %d\n", result.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", result.SuccessRate)
	fmt.Printf("断开连接数:     %d\n", result.Disconnects)
	fmt.Printf("最终连接数:     %d\n", result.FinalConns)
	fmt.Println()

	printLatency("连接延迟", result.ConnLatency)

	if result.Mode != "connect-only" {
		fmt.Println("--- 指令统计 ---")
		fmt.Printf("发送指令数:     %d\n", result.CommandsSent)
		fmt.Printf("发送失败数:     %d\n", result.CommandsFailed)
		fmt.Printf("收到 ack 数:    %d\n", result.AcksReceived)
		fmt.Printf("收到事件数:     %d\n", result.EventsReceived)
		fmt.Println()
		printLatency("指令往返延迟", result.CmdLatency)
	}

	fmt.Println("--- 心跳统计 ---")
	fmt.Printf("发送 Ping 数:   %d\n", result.PingsSent)
	fmt.Printf("接收 Pong 数:   %d\n", result.PongsReceived)
	fmt.Printf("Pong 响应率:    %.2f%%\n", result.PongRate)
	fmt.Println()

	if len(result.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for msg, count := range result.Errors {
			fmt.Printf("%s: %d\n", msg, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", result.ActualTime)
	fmt.Println("=================================================")
}

func outputCSV(result Result) {
	fmt.Println("metric,value")
	fmt.Printf("mode,%s\n", result.Mode)
	fmt.Printf("target,%s\n", result.Target)
	fmt.Printf("target_conns,%d\n", result.Conns)
	fmt.Printf("duration_seconds,%.2f\n", result.ActualTime)
	fmt.Printf("success_conns,%d\n", result.SuccessConns)
	fmt.Printf("failed_conns,%d\n", result.FailedConns)
	fmt.Printf("success_rate_percent,%.2f\n", result.SuccessRate)
	fmt.Printf("disconnects,%d\n", result.Disconnects)
	fmt.Printf("conn_latency_p50_ms,%.2f\n", result.ConnLatency.P50)
	fmt.Printf("conn_latency_p99_ms,%.2f\n", result.ConnLatency.P99)
	fmt.Printf("commands_sent,%d\n", result.CommandsSent)
	fmt.Printf("acks_received,%d\n", result.AcksReceived)
	fmt.Printf("cmd_latency_p50_ms,%.2f\n", result.CmdLatency.P50)
	fmt.Printf("cmd_latency_p99_ms,%.2f\n", result.CmdLatency.P99)
	fmt.Printf("pings_sent,%d\n", result.PingsSent)
	fmt.Printf("pongs_received,%d\n", result.PongsReceived)
	fmt.Printf("pong_rate_percent,%.2f\n", result.PongRate)
}

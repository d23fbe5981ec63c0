package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标名：
// - tdms2h5_op_total{comp,stage,result}
// - tdms2h5_error_total{comp,code}
// - tdms2h5_op_duration_ms{comp,stage}
// - tdms2h5_items_total{comp,kind}
// 使用进程内私有 Registry；批处理进程不暴露 HTTP，结束时按需写 textfile。
var (
	registry = prometheus.NewRegistry()

	opTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tdms2h5_op_total",
			Help: "Operations by component, stage and result",
		},
		[]string{"comp", "stage", "result"},
	)

	errorTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tdms2h5_error_total",
			Help: "Errors by component and classification code",
		},
		[]string{"comp", "code"},
	)

	opDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tdms2h5_op_duration_ms",
			Help:    "Stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		},
		[]string{"comp", "stage"},
	)

	itemsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "tdms2h5_items_total",
			Help: "Processed items (slices, samples, containers) by component",
		},
		[]string{"comp", "kind"},
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddCount 累加处理量（kind=slices|samples|containers|bytes）。
func AddCount(comp, kind string, n int64) {
	if n <= 0 {
		return
	}
	itemsTotal.WithLabelValues(comp, kind).Add(float64(n))
}

// Gatherer 暴露内部 Registry（测试读取）。
func Gatherer() prometheus.Gatherer { return registry }

// WriteMetrics 以文本暴露格式写出全部指标（node_exporter textfile collector 可直接读取）。
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, registry)
}

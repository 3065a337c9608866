package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP         httpSummary      `json:"http"`
	Pipeline     pipelineSummary  `json:"pipeline"`
	Compensation compensationInfo `json:"compensation"`
	Reconcile    reconcileInfo    `json:"reconcile"`
	Remote       remoteSummary    `json:"remote"`
	RateLimit    rateLimitInfo    `json:"rateLimit"`
	Notify       notifyInfo       `json:"notify"`
	Auth         authInfo         `json:"auth"`
	DB           dbInfo           `json:"db"`
	Server       serverInfo       `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type pipelineSummary struct {
	Runs          float64            `json:"runs"`
	ByStatus      map[string]float64 `json:"byStatus"`
	Rejections    float64            `json:"rejections"`
	ChargedCredit float64            `json:"chargedCredit"`
	P50Duration   float64            `json:"p50Duration"`
	P95Duration   float64            `json:"p95Duration"`
}

type compensationInfo struct {
	Count  float64 `json:"count"`
	Credit float64 `json:"credit"`
}

type reconcileInfo struct {
	Runs     float64            `json:"runs"`
	Errors   float64            `json:"errors"`
	ByResult map[string]float64 `json:"byResult"`
}

type remoteSummary struct {
	Calls       float64 `json:"calls"`
	Errors      float64 `json:"errors"`
	P50Latency  float64 `json:"p50Latency"`
	P95Latency  float64 `json:"p95Latency"`
	PollLatency float64 `json:"p95PollLatency"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type notifyInfo struct {
	Sent   float64 `json:"sent"`
	Failed float64 `json:"failed"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	httpTotal := fam["broker_http_requests_total"]
	httpDur := fam["broker_http_request_duration_seconds"]
	remoteDur := fam["broker_remote_call_duration_seconds"]
	start := gaugeValue(fam["broker_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(httpTotal),
			ErrorRate:     computeErrorRate(httpTotal),
			P50Latency:    histogramPercentile(httpDur, 0.50, "", ""),
			P95Latency:    histogramPercentile(httpDur, 0.95, "", ""),
			P99Latency:    histogramPercentile(httpDur, 0.99, "", ""),
		},
		Pipeline: pipelineSummary{
			Runs:          sumCounter(fam["broker_pipeline_runs_total"]),
			ByStatus:      counterByLabel(fam["broker_pipeline_runs_total"], "status"),
			Rejections:    sumCounter(fam["broker_pipeline_rejections_total"]),
			ChargedCredit: sumCounter(fam["broker_charged_credit_total"]),
			P50Duration:   histogramPercentile(fam["broker_pipeline_duration_seconds"], 0.50, "", ""),
			P95Duration:   histogramPercentile(fam["broker_pipeline_duration_seconds"], 0.95, "", ""),
		},
		Compensation: compensationInfo{
			Count:  sumCounter(fam["broker_compensations_total"]),
			Credit: sumCounter(fam["broker_compensated_credit_total"]),
		},
		Reconcile: reconcileInfo{
			Runs:     sumCounter(fam["broker_reconcile_runs_total"]),
			Errors:   sumCounterWithLabel(fam["broker_reconcile_runs_total"], "status", "error"),
			ByResult: counterByLabel(fam["broker_reconcile_records_total"], "result"),
		},
		Remote: remoteSummary{
			Calls:       sumCounter(fam["broker_remote_calls_total"]),
			Errors:      sumCounterWithLabel(fam["broker_remote_calls_total"], "outcome", "rejected") + sumCounterWithLabel(fam["broker_remote_calls_total"], "outcome", "transport_error"),
			P50Latency:  histogramPercentile(remoteDur, 0.50, "", ""),
			P95Latency:  histogramPercentile(remoteDur, 0.95, "", ""),
			PollLatency: histogramPercentile(remoteDur, 0.95, "op", "poll"),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["broker_ratelimit_rejections_total"]),
		},
		Notify: notifyInfo{
			Sent:   sumCounterWithLabel(fam["broker_notifications_total"], "status", "sent"),
			Failed: sumCounterWithLabel(fam["broker_notifications_total"], "status", "failed"),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["broker_auth_failures_total"]),
			Successes: sumCounter(fam["broker_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["broker_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["broker_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["broker_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["broker_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	return sumCounterWithLabel(f, "", "")
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// hasLabel reports whether m carries name=value. An empty name matches all.
func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// counterByLabel sums a counter family grouped by the values of one label.
func counterByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '5' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from the histogram buckets of
// every series matching labelName=labelValue, using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}

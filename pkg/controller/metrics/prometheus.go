package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// scrapeTimeout bounds a single backend /metrics poll, per spec.md §5.
const scrapeTimeout = 2 * time.Second

// scrapeBackendMetrics fetches and parses backendURL's Prometheus text
// exposition, folding every metric family's samples into a flat
// name->value map (summing across label combinations, which is exactly
// what spec.md §4.E step 5 wants for `request_success_total` across
// `finished_reason` labels). Histogram families additionally contribute
// "<name>_sum" and "<name>_count" entries so callers can derive an average.
// Any failure (connection, non-200, malformed body) yields an empty map,
// matching the "best-effort, swallow and retry next tick" policy.
func scrapeBackendMetrics(ctx context.Context, client *http.Client, backendURL string) map[string]float64 {
	reqCtx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, backendURL, nil)
	if err != nil {
		return map[string]float64{}
	}

	resp, err := client.Do(req)
	if err != nil {
		return map[string]float64{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return map[string]float64{}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return map[string]float64{}
	}

	return parsePrometheusText(body)
}

func parsePrometheusText(body []byte) map[string]float64 {
	out := map[string]float64{}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return out
	}

	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[name] += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				out[name+"_sum"] += h.GetSampleSum()
				out[name+"_count"] += float64(h.GetSampleCount())
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				out[name+"_sum"] += s.GetSampleSum()
				out[name+"_count"] += float64(s.GetSampleCount())
			default:
				if u := m.GetUntyped(); u != nil {
					out[name] += u.GetValue()
				}
			}
		}
	}

	return out
}

package metrics

import (
	"fmt"
	"strings"
)

// tickBuckets covers sub-second idle ticks up to multi-minute media transfers.
var tickBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300}

// Account groups the sync metrics of one account.
type Account struct {
	Ticks         *Counter
	TickFailures  *Counter
	Ingested      *Counter
	Delivered     *Counter
	Duplicates    *Counter
	RateLimited   *Counter
	MediaFailures *Counter
	TickDuration  *Histogram
	ActiveWorkers *Gauge
}

// ForAccount returns the metrics of accountID, registering them on first use.
// A nil collector falls back to the process-wide Collector.
func ForAccount(c *MetricsCollector, accountID string) *Account {
	if c == nil {
		c = Collector
	}
	l := fmt.Sprintf(`account="%s"`, escapeLabel(accountID))
	return &Account{
		Ticks:         c.Counter("tgsync_ticks_total", "Completed sync ticks", l),
		TickFailures:  c.Counter("tgsync_tick_failures_total", "Ticks aborted by an error or panic", l),
		Ingested:      c.Counter("tgsync_messages_ingested_total", "Provider messages written to the Store", l),
		Delivered:     c.Counter("tgsync_messages_delivered_total", "Store messages sent to the provider", l),
		Duplicates:    c.Counter("tgsync_duplicates_skipped_total", "Provider messages skipped as already ingested", l),
		RateLimited:   c.Counter("tgsync_rate_limited_total", "Provider rate-limit signals", l),
		MediaFailures: c.Counter("tgsync_media_failures_total", "Media items that could not be transferred", l),
		TickDuration:  c.Histogram("tgsync_tick_duration_seconds", "Duration of one sync tick", l, tickBuckets),
		ActiveWorkers: c.Gauge("tgsync_active_workers", "Running account workers", l),
	}
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

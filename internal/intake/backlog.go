package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/adcp_webhooks/internal/logging"
	"github.com/austindbirch/adcp_webhooks/internal/metrics"
)

// nsqdStats is the subset of nsqd's /stats?format=json response we read.
type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor samples the intake channel depth from nsqd and publishes
// it as adcp_webhooks_intake_backlog.
type BacklogMonitor struct {
	Client       *http.Client
	NsqdHTTPAddr string // host:port or full URL
	Topic        string
	Channel      string
	Interval     time.Duration
	Logger       *logging.Logger
}

func (b *BacklogMonitor) statsURL() string {
	addr := b.NsqdHTTPAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + "/stats?format=json&topic=" + b.Topic
}

// Poll fetches one sample. A missing topic or channel reads as zero.
func (b *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsqd stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.Name != b.Topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.Name == b.Channel {
				return ch.Depth, nil
			}
		}
	}
	return 0, nil
}

// Run polls until ctx is cancelled.
func (b *BacklogMonitor) Run(ctx context.Context) {
	interval := b.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	log := b.Logger
	if log == nil {
		log = logging.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		depth, err := b.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Plain().WithField("addr", b.NsqdHTTPAddr).WithError(err).Warn("failed to sample intake backlog")
		} else {
			metrics.UpdateIntakeBacklog(float64(depth))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

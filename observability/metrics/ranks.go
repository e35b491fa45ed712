package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RankMetrics struct {
	promotions    *prometheus.CounterVec
	rankHolders   *prometheus.GaugeVec
	volumeRecords *prometheus.CounterVec
}

var (
	rankOnce     sync.Once
	rankRegistry *RankMetrics
)

func Ranks() *RankMetrics {
	rankOnce.Do(func() {
		rankRegistry = &RankMetrics{
			promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "incentives_rank_promotions_total",
				Help: "Count of rank promotions by zone and target rank.",
			}, []string{"zone", "rank"}),
			rankHolders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "incentives_rank_holders",
				Help: "Participants currently holding each rank per zone.",
			}, []string{"zone", "rank"}),
			volumeRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "incentives_volume_records_total",
				Help: "Number of accepted volume records by zone.",
			}, []string{"zone"}),
		}
		prometheus.MustRegister(
			rankRegistry.promotions,
			rankRegistry.rankHolders,
			rankRegistry.volumeRecords,
		)
	})
	return rankRegistry
}

// RecordPromotion moves one participant from one rank bucket to another.
func (m *RankMetrics) RecordPromotion(zone string, from, to uint8) {
	if m == nil {
		return
	}
	if zone == "" {
		zone = "unknown"
	}
	m.promotions.WithLabelValues(zone, fmt.Sprintf("%d", to)).Inc()
	if from > 0 {
		m.rankHolders.WithLabelValues(zone, fmt.Sprintf("%d", from)).Dec()
	}
	m.rankHolders.WithLabelValues(zone, fmt.Sprintf("%d", to)).Inc()
}

func (m *RankMetrics) RecordVolume(zone string) {
	if m == nil {
		return
	}
	if zone == "" {
		zone = "unknown"
	}
	m.volumeRecords.WithLabelValues(zone).Inc()
}

func (m *RankMetrics) InitZone(zone string) {
	if m == nil {
		return
	}
	if zone == "" {
		zone = "unknown"
	}
	m.volumeRecords.WithLabelValues(zone).Add(0)
}

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfid_scans_processed_total",
		Help: "Processed scans by outcome classification.",
	}, []string{"outcome"})

	scansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rfid_scans_rejected_total",
		Help: "Scans rejected at the gateway before touching the pipeline.",
	}, []string{"reason"})
)

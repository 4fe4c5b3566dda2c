package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DepositOrdersCreated prometheus.Counter
	TransfersTotal       *prometheus.CounterVec
	ExchangesTotal       *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DepositOrdersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_deposit_orders_created_total",
				Help: "Deposit orders issued.",
			},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_transfers_total",
				Help: "Transfers executed, by asset.",
			},
			[]string{"asset"},
		),
		ExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_exchanges_total",
				Help: "Exchanges executed, by source asset.",
			},
			[]string{"asset"},
		),
	}

	registry.MustRegister(m.DepositOrdersCreated, m.TransfersTotal, m.ExchangesTotal)
	return m
}

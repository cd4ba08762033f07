package metricspush

import (
	"github.com/prometheus/client_golang/prometheus"
	statsdomain "github.com/smallbiznis/dayledger/internal/stats/domain"
)

// BusinessGauges mirrors the daily stats snapshot as gauges so a push
// carries the operator numbers alongside the process counters.
type BusinessGauges struct {
	accounts          prometheus.Gauge
	activeAccounts    prometheus.Gauge
	activeSubscribers prometheus.Gauge
	resources         prometheus.Gauge
	payments          prometheus.Gauge
	revenueMinor      prometheus.Gauge
	daysSold          prometheus.Gauge
	referrals         *prometheus.GaugeVec
	referralDays      prometheus.Gauge
}

func NewBusinessGauges(registerer prometheus.Registerer) (*BusinessGauges, error) {
	g := &BusinessGauges{
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_accounts",
			Help: "Registered accounts.",
		}),
		activeAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_accounts_active",
			Help: "Accounts whose balance status is active.",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_subscribers_active",
			Help: "Active accounts that are subscribed.",
		}),
		resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_resources",
			Help: "Resources that have not been torn down.",
		}),
		payments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_payments_successful",
			Help: "Settled payments.",
		}),
		revenueMinor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_revenue_minor",
			Help: "Settled revenue in minor currency units.",
		}),
		daysSold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_days_sold",
			Help: "Paid days granted by settled payments.",
		}),
		referrals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dayledger_referrals",
			Help: "Referral edges by reward state.",
		}, []string{"state"}),
		referralDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dayledger_referral_days_awarded",
			Help: "Bonus days paid out through referrals.",
		}),
	}

	for _, c := range []prometheus.Collector{
		g.accounts, g.activeAccounts, g.activeSubscribers, g.resources,
		g.payments, g.revenueMinor, g.daysSold, g.referrals, g.referralDays,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *BusinessGauges) Update(d statsdomain.Daily) {
	if g == nil {
		return
	}
	g.accounts.Set(float64(d.TotalAccounts))
	g.activeAccounts.Set(float64(d.ActiveAccounts))
	g.activeSubscribers.Set(float64(d.ActiveSubscribers))
	g.resources.Set(float64(d.TotalResources))
	g.payments.Set(float64(d.TotalPayments))
	g.revenueMinor.Set(float64(d.TotalRevenue))
	g.daysSold.Set(float64(d.TotalDaysSold))
	g.referrals.WithLabelValues("completed").Set(float64(d.CompletedReferrals))
	g.referrals.WithLabelValues("open").Set(float64(d.TotalReferrals - d.CompletedReferrals))
	g.referralDays.Set(float64(d.ReferralDaysAwarded))
}

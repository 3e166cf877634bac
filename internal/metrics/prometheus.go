package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "xemm_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	ordersPlaced      prometheus.Counter
	ordersFailed      prometheus.Counter
	ordersCanceled    prometheus.Counter
	makerFills        prometheus.Counter
	hedgesSubmitted   prometheus.Counter
	hedgesFailed      prometheus.Counter
	hedgesResubmitted prometheus.Counter
	ticksSkipped      prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:          prometheus.NewRegistry(),
		ordersPlaced:      newCounter("orders_placed_total", "Total number of maker orders placed."),
		ordersFailed:      newCounter("orders_failed_total", "Total number of maker order placement failures."),
		ordersCanceled:    newCounter("orders_canceled_total", "Total number of maker cancel requests issued."),
		makerFills:        newCounter("maker_fills_total", "Total number of maker fills recorded."),
		hedgesSubmitted:   newCounter("hedges_submitted_total", "Total number of taker hedge orders submitted."),
		hedgesFailed:      newCounter("hedges_failed_total", "Total number of taker hedge submission failures."),
		hedgesResubmitted: newCounter("hedges_resubmitted_total", "Total number of hedges resubmitted after cancel or failure."),
		ticksSkipped:      newCounter("ticks_skipped_total", "Total number of ticks skipped while markets or rates were not ready."),
	}
	p.registry.MustRegister(
		p.ordersPlaced,
		p.ordersFailed,
		p.ordersCanceled,
		p.makerFills,
		p.hedgesSubmitted,
		p.hedgesFailed,
		p.hedgesResubmitted,
		p.ticksSkipped,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:      promCounter{p.ordersPlaced},
		OrdersFailed:      promCounter{p.ordersFailed},
		OrdersCanceled:    promCounter{p.ordersCanceled},
		MakerFills:        promCounter{p.makerFills},
		HedgesSubmitted:   promCounter{p.hedgesSubmitted},
		HedgesFailed:      promCounter{p.hedgesFailed},
		HedgesResubmitted: promCounter{p.hedgesResubmitted},
		TicksSkipped:      promCounter{p.ticksSkipped},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	OrdersCanceled    Counter
	MakerFills        Counter
	HedgesSubmitted   Counter
	HedgesFailed      Counter
	HedgesResubmitted Counter
	TicksSkipped      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		OrdersCanceled:    n,
		MakerFills:        n,
		HedgesSubmitted:   n,
		HedgesFailed:      n,
		HedgesResubmitted: n,
		TicksSkipped:      n,
	}
}

package output

import (
	"github.com/sirupsen/logrus"

	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/metrics"
)

// Predicate decides whether an event is forwarded. filter.Filter implements it.
type Predicate interface {
	Match(ev *layout.TraceEvent) (bool, error)
}

// Filtered forwards to next only the events pred accepts. An event the
// predicate cannot evaluate is logged and dropped.
type Filtered struct {
	pred Predicate
	next EventHandler
	log  logrus.FieldLogger
}

// NewFiltered wraps next with pred.
func NewFiltered(pred Predicate, next EventHandler, log logrus.FieldLogger) *Filtered {
	return &Filtered{pred: pred, next: next, log: log}
}

// HandleEvent implements EventHandler.
func (f *Filtered) HandleEvent(ev *layout.TraceEvent) error {
	ok, err := f.pred.Match(ev)
	if err != nil {
		metrics.EventsFiltered.WithLabelValues("error").Inc()
		f.log.WithError(err).WithField("tid", ev.Tid).Debug("Filter evaluation failed, dropping event")
		return nil
	}
	if !ok {
		metrics.EventsFiltered.WithLabelValues("rejected").Inc()
		return nil
	}
	return f.next.HandleEvent(ev)
}

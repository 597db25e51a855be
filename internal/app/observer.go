package app

import (
	"time"

	"greenbox/internal/eventbus"
	"greenbox/internal/task/scheduler"
)

// sweepObserver forwards scheduler outcomes to metrics and publishes
// task.finished events.
type sweepObserver struct {
	next scheduler.Observer
	bus  eventbus.Bus
}

func (o sweepObserver) TaskFinished(name string, took time.Duration, err error) {
	if o.next != nil {
		o.next.TaskFinished(name, took, err)
	}
	tf := eventbus.TaskFinished{Name: name, Took: took}
	if err != nil {
		tf.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Time: time.Now(), Data: tf})
}

func (o sweepObserver) SweepFinished(ran int, took time.Duration) {
	if o.next != nil {
		o.next.SweepFinished(ran, took)
	}
}

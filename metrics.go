package qio

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type opMetrics struct {
	submitted metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	bytes     metrics.Counter
}

// QueueMetrics counts operations per backend and direction, qio.<backend>.<op>.<event>
type QueueMetrics struct {
	ops map[Opcode]*opMetrics
}

func newQueueMetrics(backend string) *QueueMetrics {
	gen := func(op Opcode) *opMetrics {
		name := func(ev string) string {
			return fmt.Sprintf("qio.%s.%s.%s", backend, op, ev)
		}
		return &opMetrics{
			submitted: metrics.GetOrRegisterCounter(name("submitted"), nil),
			completed: metrics.GetOrRegisterCounter(name("completed"), nil),
			failed:    metrics.GetOrRegisterCounter(name("failed"), nil),
			bytes:     metrics.GetOrRegisterCounter(name("bytes"), nil),
		}
	}

	return &QueueMetrics{
		ops: map[Opcode]*opMetrics{
			OpPush:   gen(OpPush),
			OpPop:    gen(OpPop),
			OpAccept: gen(OpAccept),
		},
	}
}

func (m *QueueMetrics) Submitted(op Opcode) {
	if m != nil {
		if om, ok := m.ops[op]; ok {
			om.submitted.Inc(1)
		}
	}
}

// Settled records the outcome of an operation, ret is the QResult.Ret value.
func (m *QueueMetrics) Settled(op Opcode, ret int64) {
	if m != nil {
		om, ok := m.ops[op]
		if !ok {
			return
		}
		if ret < 0 {
			om.failed.Inc(1)
			return
		}
		om.completed.Inc(1)
		if op != OpAccept {
			om.bytes.Inc(ret)
		}
	}
}

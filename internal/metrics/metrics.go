// Package metrics wires the engine's Progress and GC counters into
// Prometheus, the way kopia and the rest of the retrieved corpus
// expose operational counters via prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups the counters a Snapshot Engine or Pool GC run
// updates. A nil *Collectors is valid and every method becomes a
// no-op, so components never have to branch on "metrics enabled?".
type Collectors struct {
	BlobsNew     prometheus.Counter
	BytesNew     prometheus.Counter
	BlobsReused  prometheus.Counter
	GCRuns       prometheus.Counter
	GCRemoved    prometheus.Counter
	GCBytesFreed prometheus.Counter
}

// NewCollectors registers a fresh set of counters with reg (pass
// prometheus.NewRegistry() in tests to avoid global-registry
// collisions; pass prometheus.DefaultRegisterer in production).
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		BlobsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "snapshot", Name: "blobs_new_total",
			Help: "Blobs fetched from upstream and added to the pool.",
		}),
		BytesNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "snapshot", Name: "bytes_new_total",
			Help: "Bytes fetched from upstream and added to the pool.",
		}),
		BlobsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "snapshot", Name: "blobs_reused_total",
			Help: "Blobs already present in the pool and only re-linked.",
		}),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "pool", Name: "gc_runs_total",
			Help: "Pool garbage-collection runs.",
		}),
		GCRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "pool", Name: "gc_removed_total",
			Help: "Files removed by pool garbage collection.",
		}),
		GCBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pom", Subsystem: "pool", Name: "gc_bytes_freed_total",
			Help: "Bytes freed by pool garbage collection.",
		}),
	}

	for _, coll := range []prometheus.Collector{
		c.BlobsNew, c.BytesNew, c.BlobsReused, c.GCRuns, c.GCRemoved, c.GCBytesFreed,
	} {
		reg.MustRegister(coll)
	}

	return c
}

func (c *Collectors) addNew(blobs int, bytes int64) {
	if c == nil {
		return
	}

	c.BlobsNew.Add(float64(blobs))
	c.BytesNew.Add(float64(bytes))
}

func (c *Collectors) addReused(blobs int) {
	if c == nil {
		return
	}

	c.BlobsReused.Add(float64(blobs))
}

func (c *Collectors) addGC(removed int, bytesFreed int64) {
	if c == nil {
		return
	}

	c.GCRuns.Inc()
	c.GCRemoved.Add(float64(removed))
	c.GCBytesFreed.Add(float64(bytesFreed))
}

// ObserveProgress is a convenience hook the snapshot engine calls
// from addAndLink. Reuse counted outside addAndLink (pool re-links in
// reuseFromPool and acquirePayload) is not reported here.
func (c *Collectors) ObserveProgress(newBlobs int, newBytes int64, reused int) {
	c.addNew(newBlobs, newBytes)
	c.addReused(reused)
}

// ObserveGC records the result of one GC run. pool.GC does not call
// it; the GC counters change only when a caller passes a result here.
func (c *Collectors) ObserveGC(removed int, bytesFreed int64) {
	c.addGC(removed, bytesFreed)
}

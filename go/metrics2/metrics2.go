// Package metrics2 is a thin facade over the Prometheus client. Metrics are
// identified by a measurement name plus zero or more tag maps; repeated
// lookups with the same name and tags return the same metric.
package metrics2

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.engram.dev/engram/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to
// Prometheus's restrictions.
var invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a gauge tracking an int64 value.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Float64Metric is a gauge tracking a float64 value.
type Float64Metric interface {
	Get() float64
	Update(v float64)
}

// Counter is a monotonic-in-spirit counter with Reset, built on a gauge so
// that the current value can be read back.
type Counter interface {
	Get() int64
	Inc(i int64)
	Dec(i int64)
	Reset()
}

type promFloat64 struct {
	mutex sync.Mutex
	v     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.v
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.v = v
	m.gauge.Set(v)
}

type promInt64 struct {
	mutex sync.Mutex
	v     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.v
}

func (m *promInt64) Update(v int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.v = v
	m.gauge.Set(float64(v))
}

type promCounter struct {
	promInt64
}

func (c *promCounter) Inc(i int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.v += i
	c.gauge.Set(float64(c.v))
}

func (c *promCounter) Dec(i int64) {
	c.Inc(-i)
}

func (c *promCounter) Reset() {
	c.Update(0)
}

type client struct {
	mutex sync.Mutex
	// gaugeVecs is keyed by measurement name + sorted tag keys.
	gaugeVecs map[string]*prometheus.GaugeVec
	// metrics is keyed by measurement name + tag key/value pairs.
	int64s    map[string]*promInt64
	float64s  map[string]*promFloat64
	counters  map[string]*promCounter
	registry  *prometheus.Registry
}

var defaultClient = newClient()

func newClient() *client {
	reg := prometheus.NewRegistry()
	return &client{
		gaugeVecs: map[string]*prometheus.GaugeVec{},
		int64s:    map[string]*promInt64{},
		float64s:  map[string]*promFloat64{},
		counters:  map[string]*promCounter{},
		registry:  reg,
	}
}

// flattenTags merges the tag maps, cleans keys and values, and returns the
// sorted key list plus the label map.
func flattenTags(tags ...map[string]string) ([]string, prometheus.Labels) {
	labels := prometheus.Labels{}
	for _, m := range tags {
		for k, v := range m {
			labels[clean(k)] = v
		}
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, labels
}

// gaugeLocked returns the gauge for the given measurement and tags plus a
// unique key for it. c.mutex must be held.
func (c *client) gaugeLocked(measurement string, tags ...map[string]string) (prometheus.Gauge, string) {
	name := clean(measurement)
	keys, labels := flattenTags(tags...)
	vecKey := name + ";" + strings.Join(keys, ",")

	vec, ok := c.gaugeVecs[vecKey]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		if err := c.registry.Register(vec); err != nil {
			sklog.Fatalf("Failed to register metric %q: %s", name, err)
		}
		c.gaugeVecs[vecKey] = vec
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return vec.With(labels), vecKey + ";" + strings.Join(parts, ",")
}

// GetInt64Metric returns an Int64Metric instance from the default client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return defaultClient.getInt64Metric(measurement, tags...)
}

func (c *client) getInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	g, key := c.gaugeLocked(measurement, tags...)
	if m, ok := c.int64s[key]; ok {
		return m
	}
	m := &promInt64{gauge: g}
	c.int64s[key] = m
	return m
}

// GetFloat64Metric returns a Float64Metric instance from the default client.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return defaultClient.getFloat64Metric(measurement, tags...)
}

func (c *client) getFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	g, key := c.gaugeLocked(measurement, tags...)
	if m, ok := c.float64s[key]; ok {
		return m
	}
	m := &promFloat64{gauge: g}
	c.float64s[key] = m
	return m
}

// GetCounter returns a Counter instance from the default client.
func GetCounter(measurement string, tags ...map[string]string) Counter {
	return defaultClient.getCounter(measurement, tags...)
}

func (c *client) getCounter(measurement string, tags ...map[string]string) Counter {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	g, key := c.gaugeLocked(measurement, tags...)
	if m, ok := c.counters[key]; ok {
		return m
	}
	m := &promCounter{promInt64{gauge: g}}
	c.counters[key] = m
	return m
}

// Handler returns an http.Handler serving the default client's metrics in
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(defaultClient.registry, promhttp.HandlerOpts{})
}

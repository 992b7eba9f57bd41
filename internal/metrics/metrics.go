// Package metrics exposes Prometheus metrics for the api bridge. The
// catalog has no long-lived in-process state to instrument, so every
// value is computed from a fresh liveness snapshot at scrape time.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/version"
)

// Lister supplies the app snapshot the collector scrapes. *catalog.Store
// satisfies it.
type Lister interface {
	List() ([]catalog.AppStatus, error)
}

// Collector derives am3 metrics from the catalog on every scrape.
type Collector struct {
	registry *prometheus.Registry
	source   Lister
	logger   *slog.Logger

	apps        *prometheus.Desc
	appsRunning *prometheus.Desc
	appUp       *prometheus.Desc
	info        *prometheus.Desc
}

// New creates a registry holding the catalog collector plus the default
// Go runtime and process collectors.
func New(source Lister, logger *slog.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		source:   source,
		logger:   logger,

		apps: prometheus.NewDesc(
			"am3_apps",
			"Number of applications registered in the catalog.",
			nil, nil,
		),
		appsRunning: prometheus.NewDesc(
			"am3_apps_running",
			"Number of registered applications with a live monitor.",
			nil, nil,
		),
		appUp: prometheus.NewDesc(
			"am3_app_up",
			"Whether the application's monitor is alive (1) or not (0).",
			[]string{"id", "name"}, nil,
		),
		info: prometheus.NewDesc(
			"am3_info",
			"Build information about am3.",
			nil, prometheus.Labels{"version": version.Version},
		),
	}
	reg.MustRegister(c)
	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.apps
	ch <- c.appsRunning
	ch <- c.appUp
	ch <- c.info
}

// Collect implements prometheus.Collector. A failed snapshot yields the
// info metric only; scrapes must not take the endpoint down.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1)

	list, err := c.source.List()
	if err != nil {
		c.logger.Warn("metrics snapshot failed", "error", err)
		return
	}

	running := 0
	for _, app := range list {
		up := 0.0
		if app.Running {
			up = 1.0
			running++
		}
		ch <- prometheus.MustNewConstMetric(c.appUp, prometheus.GaugeValue, up,
			app.AppID, app.AppName)
	}
	ch <- prometheus.MustNewConstMetric(c.apps, prometheus.GaugeValue, float64(len(list)))
	ch <- prometheus.MustNewConstMetric(c.appsRunning, prometheus.GaugeValue, float64(running))
}

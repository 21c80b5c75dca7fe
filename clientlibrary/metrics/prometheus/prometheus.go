/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package prometheus publishes host metrics to Prometheus.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmware/vmware-go-eph/logger"
)

// MonitoringService publishes host metrics to Prometheus.
// It might be tricky if the application embedding the host already uses Prometheus,
// in which case a dedicated registry can be set with WithRegistry.
type MonitoringService struct {
	listenAddress string
	namespace     string
	streamName    string
	hostName      string
	region        string
	logger        logger.Logger

	registerer prom.Registerer
	gatherer   prom.Gatherer
	server     *http.Server

	processedEvents     *prom.CounterVec
	processedBytes      *prom.CounterVec
	behindLatestSeconds *prom.GaugeVec
	leasesHeld          *prom.GaugeVec
	leaseRenewals       *prom.CounterVec
	leasesLost          *prom.CounterVec
	leaseReleases       *prom.CounterVec
	leasesStolen        *prom.CounterVec
	receiveTime         *prom.HistogramVec
	processEventsTime   *prom.HistogramVec
}

// NewMonitoringService returns a Monitoring service publishing metrics to Prometheus.
func NewMonitoringService(listenAddress, region string, logger logger.Logger) *MonitoringService {
	return &MonitoringService{
		listenAddress: listenAddress,
		region:        region,
		logger:        logger,
		registerer:    prom.DefaultRegisterer,
		gatherer:      prom.DefaultGatherer,
	}
}

// WithRegistry registers and serves metrics from the given registry instead of the default one.
func (p *MonitoringService) WithRegistry(registry *prom.Registry) *MonitoringService {
	p.registerer = registry
	p.gatherer = registry
	return p
}

func (p *MonitoringService) Init(appName, streamName, hostName string) error {
	p.namespace = appName
	p.streamName = streamName
	p.hostName = hostName

	p.processedBytes = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_processed_bytes`,
		Help: "Number of bytes processed",
	}, []string{"stream", "partition"})
	p.processedEvents = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_processed_events`,
		Help: "Number of events processed",
	}, []string{"stream", "partition"})
	p.behindLatestSeconds = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_behind_latest_seconds`,
		Help: "The number of seconds processing is behind",
	}, []string{"stream", "partition"})
	p.leasesHeld = prom.NewGaugeVec(prom.GaugeOpts{
		Name: p.namespace + `_leases_held`,
		Help: "The number of leases held by the host",
	}, []string{"stream", "partition", "host"})
	p.leaseRenewals = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_renewals`,
		Help: "The number of successful lease renewals",
	}, []string{"stream", "partition", "host"})
	p.leasesLost = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_leases_lost`,
		Help: "The number of leases taken over by other hosts",
	}, []string{"stream", "partition", "host"})
	p.leaseReleases = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_lease_releases`,
		Help: "The number of leases given up on shutdown",
	}, []string{"stream", "partition", "host"})
	p.leasesStolen = prom.NewCounterVec(prom.CounterOpts{
		Name: p.namespace + `_leases_stolen`,
		Help: "The number of leases stolen from other hosts",
	}, []string{"stream", "partition", "host"})
	p.receiveTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_receive_duration_seconds`,
		Help: "The time taken to receive a batch from the event source",
	}, []string{"stream", "partition"})
	p.processEventsTime = prom.NewHistogramVec(prom.HistogramOpts{
		Name: p.namespace + `_process_events_duration_seconds`,
		Help: "The time taken to process events",
	}, []string{"stream", "partition"})

	metrics := []prom.Collector{
		p.processedBytes,
		p.processedEvents,
		p.behindLatestSeconds,
		p.leasesHeld,
		p.leaseRenewals,
		p.leasesLost,
		p.leaseReleases,
		p.leasesStolen,
		p.receiveTime,
		p.processEventsTime,
	}
	for _, metric := range metrics {
		err := p.registerer.Register(metric)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *MonitoringService) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	p.server = &http.Server{Addr: p.listenAddress, Handler: mux}

	go func() {
		p.logger.Infof("Starting Prometheus listener on %s", p.listenAddress)
		err := p.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Errorf("Error starting Prometheus metrics endpoint. %+v", err)
		}
		p.logger.Infof("Stopped metrics server")
	}()

	return nil
}

func (p *MonitoringService) Shutdown() {
	if p.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Errorf("Error stopping Prometheus metrics endpoint. %+v", err)
	}
}

func (p *MonitoringService) IncrEventsProcessed(partition string, count int) {
	p.processedEvents.With(prom.Labels{"partition": partition, "stream": p.streamName}).Add(float64(count))
}

func (p *MonitoringService) IncrBytesProcessed(partition string, count int64) {
	p.processedBytes.With(prom.Labels{"partition": partition, "stream": p.streamName}).Add(float64(count))
}

func (p *MonitoringService) MillisBehindLatest(partition string, millis float64) {
	p.behindLatestSeconds.With(prom.Labels{"partition": partition, "stream": p.streamName}).Set(millis / 1000)
}

func (p *MonitoringService) LeaseGained(partition string) {
	p.leasesHeld.With(prom.Labels{"partition": partition, "stream": p.streamName, "host": p.hostName}).Inc()
}

func (p *MonitoringService) LeaseLost(partition string) {
	labels := prom.Labels{"partition": partition, "stream": p.streamName, "host": p.hostName}
	p.leasesHeld.With(labels).Dec()
	p.leasesLost.With(labels).Inc()
}

func (p *MonitoringService) LeaseReleased(partition string) {
	labels := prom.Labels{"partition": partition, "stream": p.streamName, "host": p.hostName}
	p.leasesHeld.With(labels).Dec()
	p.leaseReleases.With(labels).Inc()
}

func (p *MonitoringService) LeaseRenewed(partition string) {
	p.leaseRenewals.With(prom.Labels{"partition": partition, "stream": p.streamName, "host": p.hostName}).Inc()
}

func (p *MonitoringService) LeaseStolen(partition string) {
	p.leasesStolen.With(prom.Labels{"partition": partition, "stream": p.streamName, "host": p.hostName}).Inc()
}

func (p *MonitoringService) RecordReceiveTime(partition string, millis float64) {
	p.receiveTime.With(prom.Labels{"partition": partition, "stream": p.streamName}).Observe(millis / 1000)
}

func (p *MonitoringService) RecordProcessEventsTime(partition string, millis float64) {
	p.processEventsTime.With(prom.Labels{"partition": partition, "stream": p.streamName}).Observe(millis / 1000)
}

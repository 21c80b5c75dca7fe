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

// Package metrics defines the monitoring service the host publishes to.
package metrics

// MonitoringService receives per partition metrics from the coordinator, the
// partition workers and the event source.
type MonitoringService interface {
	Init(appName, streamName, hostName string) error
	Start() error
	IncrEventsProcessed(partition string, count int)
	IncrBytesProcessed(partition string, count int64)
	MillisBehindLatest(partition string, millis float64)
	LeaseGained(partition string)
	LeaseLost(partition string)
	LeaseReleased(partition string)
	LeaseRenewed(partition string)
	LeaseStolen(partition string)
	RecordReceiveTime(partition string, millis float64)
	RecordProcessEventsTime(partition string, millis float64)
	Shutdown()
}

// NoopMonitoringService implements MonitoringService by does nothing.
type NoopMonitoringService struct{}

func (NoopMonitoringService) Init(appName, streamName, hostName string) error { return nil }
func (NoopMonitoringService) Start() error                                    { return nil }
func (NoopMonitoringService) Shutdown()                                       {}

func (NoopMonitoringService) IncrEventsProcessed(partition string, count int)          {}
func (NoopMonitoringService) IncrBytesProcessed(partition string, count int64)         {}
func (NoopMonitoringService) MillisBehindLatest(partition string, millis float64)      {}
func (NoopMonitoringService) LeaseGained(partition string)                             {}
func (NoopMonitoringService) LeaseLost(partition string)                               {}
func (NoopMonitoringService) LeaseReleased(partition string)                           {}
func (NoopMonitoringService) LeaseRenewed(partition string)                            {}
func (NoopMonitoringService) LeaseStolen(partition string)                             {}
func (NoopMonitoringService) RecordReceiveTime(partition string, millis float64)       {}
func (NoopMonitoringService) RecordProcessEventsTime(partition string, millis float64) {}

package ingest

import "github.com/cyberinferno/sensor-ingest/perfmonitor"

type nopMetrics struct{}

func (nopMetrics) ConnectionAccepted() {}
func (nopMetrics) ConnectionClosed(Result) {}
func (nopMetrics) HandlerReplaced() {}
func (nopMetrics) SetActiveHandlers(int) {}
func (nopMetrics) BatchReceived(int, int) {}
func (nopMetrics) SinkError() {}
func (nopMetrics) StateTransition(State, State) {}
func (nopMetrics) ObserveThroughput(perfmonitor.Throughput) {}

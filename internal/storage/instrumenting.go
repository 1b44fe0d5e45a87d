package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
)

// MethodErrorLabels are the label names NewInstrumentingMiddleware expects
// its metrics to carry.
var MethodErrorLabels = []string{"method", "error"}

// instrumentingMiddleware wraps Store and records call counts and latency.
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Store
}

// NewInstrumentingMiddleware wraps svc. Both metrics must accept the
// MethodErrorLabels label names.
func NewInstrumentingMiddleware(reqCount metrics.Counter, reqDuration metrics.Histogram, svc Store) Store {
	return &instrumentingMiddleware{reqCount: reqCount, reqDuration: reqDuration, svc: svc}
}

func (s *instrumentingMiddleware) observe(method string, err error, start time.Time) {
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(err != nil),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(start).Seconds())
}

// AppendEvent ...
func (s *instrumentingMiddleware) AppendEvent(ctx context.Context, e EventRecord) (err error) {
	defer func(startTime time.Time) { s.observe("AppendEvent", err, startTime) }(time.Now())
	return s.svc.AppendEvent(ctx, e)
}

// RecentEvents ...
func (s *instrumentingMiddleware) RecentEvents(ctx context.Context, q EventQuery) (out []EventRecord, err error) {
	defer func(startTime time.Time) { s.observe("RecentEvents", err, startTime) }(time.Now())
	return s.svc.RecentEvents(ctx, q)
}

// PutTask ...
func (s *instrumentingMiddleware) PutTask(ctx context.Context, t TaskRecord) (err error) {
	defer func(startTime time.Time) { s.observe("PutTask", err, startTime) }(time.Now())
	return s.svc.PutTask(ctx, t)
}

// GetTask ...
func (s *instrumentingMiddleware) GetTask(ctx context.Context, id string) (t TaskRecord, ok bool, err error) {
	defer func(startTime time.Time) { s.observe("GetTask", err, startTime) }(time.Now())
	return s.svc.GetTask(ctx, id)
}

func (s *instrumentingMiddleware) Close() error { return s.svc.Close() }

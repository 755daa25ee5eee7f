// Package telemetry publishes service metrics to AWS CloudWatch.
//
// Recording never blocks the caller: datums are queued on a bounded channel
// and a background loop sends them in batches with PutMetricData. When the
// queue is full new datums are dropped and counted.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"eventrelay/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxDatumsPerCall is the PutMetricData per-request limit.
const maxDatumsPerCall = 1000

// Options tunes the recorder.
type Options struct {
	Namespace     string
	FlushInterval time.Duration
	QueueSize     int
	BatchSize     int
}

// Recorder buffers metric datums and ships them to CloudWatch.
type Recorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	queue   chan cwtypes.MetricDatum
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	now     func() time.Time
}

// NewRecorder creates a Recorder and starts its flush loop. Call Close to
// flush what is buffered and stop the loop.
func NewRecorder(client CloudWatchClient, opts Options, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Namespace == "" {
		opts.Namespace = types.MetricNamespace
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxDatumsPerCall {
		opts.BatchSize = maxDatumsPerCall
	}
	r := &Recorder{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
		interval:  opts.FlushInterval,
		batchSize: opts.BatchSize,
		queue:     make(chan cwtypes.MetricDatum, opts.QueueSize),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Close stops the flush loop after sending everything queued so far.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

// Dropped returns the number of datums discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// RecordReceived counts an accepted delivery.
func (r *Recorder) RecordReceived(_ context.Context, source string) {
	r.count(types.MetricEventReceived, types.DimSource, source)
}

// RecordRejected counts a delivery refused before it was stored.
func (r *Recorder) RecordRejected(_ context.Context, source, reason string) {
	r.count(types.MetricEventRejected, types.DimSource, source, types.DimReason, reason)
}

// RecordDuplicate counts a redelivery of a known event.
func (r *Recorder) RecordDuplicate(_ context.Context, source string) {
	r.count(types.MetricEventDuplicate, types.DimSource, source)
}

// RecordOutcome counts one dispatch result.
func (r *Recorder) RecordOutcome(_ context.Context, metric, source, eventType string) {
	r.count(metric, types.DimSource, source, types.DimEventType, eventType)
}

// RecordHandlerLatency records how long the handlers for one event took.
func (r *Recorder) RecordHandlerLatency(_ context.Context, source, eventType string, d time.Duration) {
	r.enqueue(types.MetricHandlerLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		types.DimSource, source, types.DimEventType, eventType)
}

// RecordRetryAttempts records how many events one retry cycle re-dispatched.
func (r *Recorder) RecordRetryAttempts(_ context.Context, n int) {
	r.enqueue(types.MetricRetryAttempt, float64(n), cwtypes.StandardUnitCount)
}

// RecordNotificationSent counts notifications queued to connections.
func (r *Recorder) RecordNotificationSent(kind types.NotificationKind, count int) {
	r.enqueue(types.MetricNotificationSent, float64(count), cwtypes.StandardUnitCount, types.DimKind, string(kind))
}

// RecordNotificationDropped counts notifications that reached nobody.
func (r *Recorder) RecordNotificationDropped(kind types.NotificationKind, reason string) {
	r.count(types.MetricNotificationDropped, types.DimKind, string(kind), types.DimReason, reason)
}

// RecordRequest records API latency by endpoint and status.
func (r *Recorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	r.enqueue(types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		types.DimEndpoint, method+" "+endpoint, "Status", status)
}

func (r *Recorder) count(name string, dims ...string) {
	r.enqueue(name, 1, cwtypes.StandardUnitCount, dims...)
}

// enqueue builds a datum from name/value pairs in dims and queues it.
func (r *Recorder) enqueue(name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(r.now()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}
	select {
	case r.queue <- datum:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, r.batchSize)
	for {
		select {
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.stop:
			for {
				select {
				case d := <-r.queue:
					batch = append(batch, d)
					if len(batch) >= r.batchSize {
						batch = r.flush(batch)
					}
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// flush sends batch and returns it emptied for reuse.
func (r *Recorder) flush(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: append([]cwtypes.MetricDatum(nil), batch...),
	})
	if err != nil {
		r.logger.Error("failed to publish metrics",
			"error", err.Error(),
			"datums", strconv.Itoa(len(batch)),
		)
	}
	return batch[:0]
}

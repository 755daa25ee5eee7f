package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eventrelay/internal/events"
	"eventrelay/internal/fanout"
	"eventrelay/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	_ events.Metrics = (*Recorder)(nil)
	_ fanout.Metrics = (*Recorder)(nil)
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatchClient) datums() []cwtypes.MetricDatum {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cwtypes.MetricDatum
	for _, c := range m.calls {
		out = append(out, c.MetricData...)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dimension(d cwtypes.MetricDatum, name string) string {
	for _, dim := range d.Dimensions {
		if *dim.Name == name {
			return *dim.Value
		}
	}
	return ""
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	cw := &mockCloudWatchClient{}
	r := NewRecorder(cw, Options{FlushInterval: time.Hour}, quietLogger())

	ctx := context.Background()
	r.RecordReceived(ctx, types.SourcePaymentProvider)
	r.RecordRejected(ctx, types.SourceExternal, "auth_signature_invalid")
	r.RecordOutcome(ctx, types.MetricEventFailed, types.SourcePaymentProvider, types.EventPaymentSucceeded)
	r.RecordHandlerLatency(ctx, types.SourcePaymentProvider, types.EventPaymentSucceeded, 250*time.Millisecond)
	r.Close()
	r.Close()

	datums := cw.datums()
	require.Len(t, datums, 4)
	assert.Equal(t, types.MetricNamespace, *cw.calls[0].Namespace)

	assert.Equal(t, types.MetricEventReceived, *datums[0].MetricName)
	assert.Equal(t, types.SourcePaymentProvider, dimension(datums[0], types.DimSource))

	assert.Equal(t, "auth_signature_invalid", dimension(datums[1], types.DimReason))

	assert.Equal(t, types.MetricEventFailed, *datums[2].MetricName)
	assert.Equal(t, types.EventPaymentSucceeded, dimension(datums[2], types.DimEventType))

	assert.Equal(t, cwtypes.StandardUnitMilliseconds, datums[3].Unit)
	assert.Equal(t, 250.0, *datums[3].Value)
}

func TestRecorder_BatchesBySize(t *testing.T) {
	cw := &mockCloudWatchClient{}
	r := NewRecorder(cw, Options{FlushInterval: time.Hour, BatchSize: 2}, quietLogger())

	for i := 0; i < 5; i++ {
		r.RecordNotificationDropped(types.KindPaymentUpdate, fanout.DropNoTarget)
	}
	r.Close()

	require.Len(t, cw.calls, 3)
	assert.Len(t, cw.calls[0].MetricData, 2)
	assert.Len(t, cw.calls[2].MetricData, 1)
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	cw := &mockCloudWatchClient{}
	r := NewRecorder(cw, Options{FlushInterval: 10 * time.Millisecond}, quietLogger())
	defer r.Close()

	r.RecordRequest("POST", "/webhooks/{source}", "200", 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(cw.datums()) == 1 }, time.Second, 5*time.Millisecond)
	d := cw.datums()[0]
	assert.Equal(t, types.MetricAPILatency, *d.MetricName)
	assert.Equal(t, "POST /webhooks/{source}", dimension(d, types.DimEndpoint))
	assert.Equal(t, "200", dimension(d, "Status"))
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	cw := &mockCloudWatchClient{}
	r := &Recorder{
		client:    cw,
		namespace: "test",
		logger:    quietLogger(),
		queue:     make(chan cwtypes.MetricDatum, 1),
		now:       time.Now,
	}

	r.RecordRetryAttempts(context.Background(), 3)
	r.RecordRetryAttempts(context.Background(), 4)
	assert.Equal(t, int64(1), r.Dropped())
}

func TestRecorder_PublishErrorIsLogged(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	r := NewRecorder(cw, Options{}, quietLogger())
	r.RecordNotificationSent(types.KindSystemAlert, 2)
	r.Close()

	require.Len(t, cw.calls, 1)
	assert.Equal(t, 2.0, *cw.calls[0].MetricData[0].Value)
}

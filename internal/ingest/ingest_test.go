package ingest_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"energy-monitor/common/mqtt"
	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/ingest"
	"energy-monitor/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var noon = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func voltage(critical bool) domain.Register {
	return domain.Register{ID: 1, DeviceID: 9, ParameterName: "Voltage L1", Unit: "V", NormalRange: "220–240", Critical: critical}
}

func severities(alerts []domain.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Severity)
	}
	return out
}

func TestEvaluator(t *testing.T) {
	var e ingest.Evaluator

	assert.Empty(t, e.Evaluate(voltage(false), 230, noon))

	out := e.Evaluate(voltage(false), 250, noon)
	assert.Equal(t, []string{domain.SeverityWarning}, severities(out))
	assert.Equal(t, "Value 250 V is outside normal range 220–240", out[0].Message)
	assert.Equal(t, int64(9), out[0].DeviceID)

	// 20% of a 20V wide range is 4V: 243 is out of range but not critical
	out = e.Evaluate(voltage(true), 243, noon)
	assert.Equal(t, []string{domain.SeverityCritical}, severities(out))

	out = e.Evaluate(voltage(true), 245, noon)
	assert.Equal(t, []string{domain.SeverityCritical, domain.SeverityCritical}, severities(out))
	assert.Contains(t, out[1].Message, "CRITICAL: Voltage L1 reached critical value 245 V")

	night := time.Date(2024, 6, 3, 23, 15, 0, 0, time.UTC)
	out = e.Evaluate(voltage(false), 230, night)
	assert.Equal(t, []string{domain.SeverityInfo}, severities(out))

	noRange := domain.Register{ParameterName: "Energy", Critical: true}
	assert.Empty(t, e.Evaluate(noRange, 1e6, noon))
}

func TestIsOffHours(t *testing.T) {
	for h, want := range map[int]bool{0: true, 5: true, 6: false, 12: false, 21: false, 22: true, 23: true} {
		assert.Equal(t, want, ingest.IsOffHours(time.Date(2024, 1, 1, h, 30, 0, 0, time.UTC)), h)
	}
}

func ptr(v float64) *float64 { return &v }

type ingestEnv struct {
	repo     *repository.MemoryRepository
	device   domain.Device
	ingestor *ingest.Ingestor
	logs     *observer.ObservedLogs
}

func newIngestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	repo := repository.NewMemoryRepository()
	gw := repo.AddGateway(domain.Gateway{Name: "Plant"})
	dev := repo.AddDevice(domain.Device{GatewayID: gw.ID, Name: "Energy Meter"})
	repo.AddRegister(domain.Register{DeviceID: dev.ID, ParameterName: "Voltage L1", Unit: "V", NormalRange: "220-240", Critical: true})
	repo.AddUser(domain.User{Name: "admin", Role: domain.RoleAdmin, EmailNotifications: true})
	repo.AddUser(domain.User{Name: "quiet", Role: domain.RoleAdmin, EmailNotifications: true, NotificationCriticalOnly: true})
	repo.AddUser(domain.User{Name: "op", Role: domain.RoleOperator, EmailNotifications: true})

	core, logs := observer.New(zapcore.InfoLevel)
	return &ingestEnv{repo: repo, device: dev, ingestor: ingest.NewIngestor(repo.Set(), zap.New(core)), logs: logs}
}

func TestIngestor_Store(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	res, err := env.ingestor.Store(ctx, ingest.ReadingInput{
		DeviceID: env.device.ID, Parameter: "Voltage L1", Value: ptr(250), Timestamp: "2024-06-03T12:00:00Z",
	})
	require.NoError(t, err)
	assert.NotZero(t, res.ReadingID)
	assert.Equal(t, "Voltage L1", res.Parameter)
	assert.Equal(t, noon, res.Timestamp)
	assert.Equal(t, 2, res.AlertsCreated)

	readings, err := env.repo.ListReadings(ctx, repository.ReadingFilter{DeviceIDs: []int64{env.device.ID}})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "V", readings[0].Unit)

	alerts, err := env.repo.ListAlerts(ctx, repository.AlertFilter{DeviceIDs: []int64{env.device.ID}})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	// 两个 admin 都接收 critical，operator 不接收
	assert.Equal(t, 4, env.logs.FilterMessage("Alert notification queued").Len())
}

func TestIngestor_StoreInfoAlertSkipsCriticalOnlyAdmin(t *testing.T) {
	env := newIngestEnv(t)
	res, err := env.ingestor.Store(context.Background(), ingest.ReadingInput{
		DeviceID: env.device.ID, Parameter: "Voltage L1", Value: ptr(230), Timestamp: "2024-06-03T23:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsCreated)
	assert.Equal(t, 1, env.logs.FilterMessage("Alert notification queued").Len())
}

func TestIngestor_StoreValidation(t *testing.T) {
	env := newIngestEnv(t)
	ctx := context.Background()

	cases := []ingest.ReadingInput{
		{Parameter: "Voltage L1", Value: ptr(1), Timestamp: "2024-06-03T12:00:00Z"},
		{DeviceID: env.device.ID, Value: ptr(1), Timestamp: "2024-06-03T12:00:00Z"},
		{DeviceID: env.device.ID, Parameter: "Voltage L1", Timestamp: "2024-06-03T12:00:00Z"},
		{DeviceID: env.device.ID, Parameter: "Voltage L1", Value: ptr(1), Timestamp: "03/06/2024"},
	}
	for _, in := range cases {
		_, err := env.ingestor.Store(ctx, in)
		assert.Equal(t, failure.KindValidation, failure.KindOf(err), "%+v", in)
	}

	_, err := env.ingestor.Store(ctx, ingest.ReadingInput{DeviceID: 999, Parameter: "Voltage L1", Value: ptr(1), Timestamp: "2024-06-03T12:00:00Z"})
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))

	_, err = env.ingestor.Store(ctx, ingest.ReadingInput{DeviceID: env.device.ID, Parameter: "Frequency", Value: ptr(1), Timestamp: "2024-06-03T12:00:00Z"})
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
	assert.Contains(t, err.Error(), "register not found for device")
}

type fakeSubscriber struct {
	handler      mqtt.MessageHandler
	topic        string
	unsubscribed []string
	subErr       error
	subscribed   chan struct{}
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.topic = topic
	f.handler = handler
	if f.subscribed != nil {
		close(f.subscribed)
	}
	return f.subErr
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestMQTTConsumer(t *testing.T) {
	env := newIngestEnv(t)
	sub := &fakeSubscriber{subscribed: make(chan struct{})}
	consumer := ingest.NewMQTTConsumer(sub, env.ingestor, "energy/readings", 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	select {
	case <-sub.subscribed:
	case <-time.After(time.Second):
		t.Fatal("consumer did not subscribe")
	}
	assert.Equal(t, "energy/readings", sub.topic)

	payload := []byte(`{"device_id":` + strconv.FormatInt(env.device.ID, 10) + `,"parameter":"Voltage L1","value":231.5,"timestamp":"2024-06-03T12:00:00Z"}`)
	require.NoError(t, sub.handler("energy/readings", payload))
	assert.Error(t, sub.handler("energy/readings", []byte("{not json")))

	readings, err := env.repo.ListReadings(context.Background(), repository.ReadingFilter{})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 231.5, readings[0].Value)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"energy/readings"}, sub.unsubscribed)
}

func TestMQTTConsumer_SubscribeError(t *testing.T) {
	env := newIngestEnv(t)
	sub := &fakeSubscriber{subErr: errors.New("not connected")}
	err := ingest.NewMQTTConsumer(sub, env.ingestor, "energy/readings", 0, nil).Start(context.Background())
	assert.ErrorContains(t, err, "failed to subscribe")
}

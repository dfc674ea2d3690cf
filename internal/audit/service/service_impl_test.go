package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/internal/audit/repository"
	"github.com/smallbiznis/cashup/internal/clock"
	obscontext "github.com/smallbiznis/cashup/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (domain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Event{}))

	fake := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo:  repository.Provide(),
	})
	return svc, fake, db
}

func readBack(t *testing.T, db *gorm.DB, seq int64) domain.Event {
	t.Helper()
	var event domain.Event
	require.NoError(t, db.First(&event, "seq = ?", seq).Error)
	return event
}

func TestAppendRequiresEventTypeAndSource(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Append(ctx, domain.Event{Source: domain.SourceAPI})
	assert.ErrorIs(t, err, domain.ErrMissingEventType)

	_, err = svc.Append(ctx, domain.Event{EventType: "payment.claimed"})
	assert.ErrorIs(t, err, domain.ErrMissingSource)
}

func TestAppendStampsClockTime(t *testing.T) {
	svc, fake, db := newService(t)

	seq, err := svc.Append(context.Background(), domain.Event{
		EventType:     "payment.claimed",
		Source:        domain.SourceOrchestrator,
		TransactionID: "TXN-1",
	})
	require.NoError(t, err)
	require.Greater(t, seq, int64(0))

	stored := readBack(t, db, seq)
	assert.True(t, stored.TS.Equal(fake.Now()))
}

func TestAppendKeepsExplicitTimestampInUTC(t *testing.T) {
	svc, _, db := newService(t)

	offset := time.FixedZone("UTC-7", -7*60*60)
	explicit := time.Date(2024, 5, 30, 9, 30, 0, 0, offset)

	seq, err := svc.Append(context.Background(), domain.Event{
		TS:        explicit,
		EventType: "payment.extracted",
		Source:    domain.SourceExtractor,
	})
	require.NoError(t, err)

	stored := readBack(t, db, seq)
	assert.True(t, stored.TS.Equal(explicit))
}

func TestAppendIgnoresCallerSeq(t *testing.T) {
	svc, _, _ := newService(t)

	seq, err := svc.Append(context.Background(), domain.Event{
		Seq:       999,
		EventType: "payment.claimed",
		Source:    domain.SourceOrchestrator,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)
}

func TestAppendFillsCorrelationFromContext(t *testing.T) {
	svc, _, db := newService(t)
	ctx := obscontext.WithCorrelationID(context.Background(), "corr-9")

	seq, err := svc.Append(ctx, domain.Event{
		EventType: "payment.matched",
		Source:    domain.SourceMatcher,
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-9", readBack(t, db, seq).CorrelationID)

	// An explicit correlation id wins over the one in ctx.
	seq, err = svc.Append(ctx, domain.Event{
		EventType:     "payment.matched",
		Source:        domain.SourceMatcher,
		CorrelationID: "corr-explicit",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-explicit", readBack(t, db, seq).CorrelationID)
}

func TestRecordRedactsSensitiveData(t *testing.T) {
	svc, _, db := newService(t)

	seq, err := svc.Record(context.Background(), domain.SourceExtractor, "payment.extracted", "TXN-7", map[string]any{
		"amount":             "512.00",
		"currency":           "USD",
		"source_account_ref": "GB29NWBK60161331926819",
	})
	require.NoError(t, err)

	stored := readBack(t, db, seq)
	assert.Equal(t, "TXN-7", stored.TransactionID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(stored.Data, &data))
	assert.Equal(t, "512.00", data["amount"])
	assert.Equal(t, "USD", data["currency"])
	assert.Equal(t, "****6819", data["source_account_ref"])
}

func TestQueryReturnsPage(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	for _, txn := range []string{"TXN-1", "TXN-1", "TXN-2"} {
		_, err := svc.Record(ctx, domain.SourceOrchestrator, "payment.step", txn, nil)
		require.NoError(t, err)
	}

	resp, err := svc.Query(ctx, domain.Filter{TransactionID: "TXN-1"})
	require.NoError(t, err)
	require.Len(t, resp.Events, 2)
	assert.False(t, resp.HasMore)
	for _, event := range resp.Events {
		assert.Equal(t, "TXN-1", event.TransactionID)
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafleet/gofleet/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCommandRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	cmd := &domain.Command{
		ID:             uuid.NewString(),
		TargetIdentity: "ea-1",
		Type:           domain.CommandAdjustRisk,
		Params:         map[string]string{"risk_level": "low"},
		ScheduledAt:    now,
		Status:         domain.CommandStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.InsertCommand(ctx, cmd))

	got, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cmd.TargetIdentity, got.TargetIdentity)
	assert.Equal(t, cmd.Type, got.Type)
	assert.Equal(t, "low", got.Params["risk_level"])
	assert.Nil(t, got.SentAt)

	missing, err := st.GetCommand(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommandStatusCoalesce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	cmd := &domain.Command{
		ID: uuid.NewString(), TargetIdentity: "ea-1", Type: domain.CommandPause,
		ScheduledAt: now, Status: domain.CommandStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertCommand(ctx, cmd))

	sentAt := now.Add(time.Second)
	moved, err := st.TransitionCommandStatus(ctx, cmd.ID, domain.CommandStatusPending, domain.CommandStatusSent, &sentAt, nil)
	require.NoError(t, err)
	require.True(t, moved)

	// acked 更新不能清掉已有的 sent_at
	ackedAt := now.Add(2 * time.Second)
	moved, err = st.TransitionCommandStatus(ctx, cmd.ID, domain.CommandStatusSent, domain.CommandStatusAcknowledged, nil, &ackedAt)
	require.NoError(t, err)
	require.True(t, moved)

	got, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusAcknowledged, got.Status)
	require.NotNil(t, got.SentAt)
	require.NotNil(t, got.AckedAt)
}

func TestCommandTransitionRequiresCurrentStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	cmd := &domain.Command{
		ID: uuid.NewString(), TargetIdentity: "ea-1", Type: domain.CommandPause,
		ScheduledAt: now, Status: domain.CommandStatusCancelled, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertCommand(ctx, cmd))

	// 条件不满足时必须写 0 行：cancelled 不能被改写成 sent
	sentAt := now.Add(time.Second)
	moved, err := st.TransitionCommandStatus(ctx, cmd.ID, domain.CommandStatusPending, domain.CommandStatusSent, &sentAt, nil)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusCancelled, got.Status)
	assert.Nil(t, got.SentAt)
}

func TestListPendingDueOrderAndFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	mk := func(offset time.Duration, status domain.CommandStatus) string {
		id := uuid.NewString()
		require.NoError(t, st.InsertCommand(ctx, &domain.Command{
			ID: id, TargetIdentity: "ea-1", Type: domain.CommandPause,
			ScheduledAt: now.Add(offset), Status: status, CreatedAt: now, UpdatedAt: now,
		}))
		return id
	}

	late := mk(-time.Minute, domain.CommandStatusPending)
	early := mk(-time.Hour, domain.CommandStatusPending)
	mk(time.Hour, domain.CommandStatusPending)  // 未到期
	mk(-time.Hour, domain.CommandStatusSent)    // 非 pending
	mk(-time.Hour, domain.CommandStatusTimedOut)

	due, err := st.ListPendingDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early, due[0].ID, "oldest scheduled first")
	assert.Equal(t, late, due[1].ID)
}

func TestDeleteFinalCommandsBefore(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	cmd := &domain.Command{
		ID: uuid.NewString(), TargetIdentity: "ea-1", Type: domain.CommandPause,
		ScheduledAt: old, Status: domain.CommandStatusAcknowledged, CreatedAt: old, UpdatedAt: old,
	}
	require.NoError(t, st.InsertCommand(ctx, cmd))

	n, err := st.DeleteFinalCommandsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAgentEvictionCascadesStatusLog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := &domain.Agent{
		Magic: 42, Status: domain.AgentStatusActive, Provenance: domain.ProvenanceRegistered,
		LastSeen: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.InsertAgent(ctx, a))
	require.NoError(t, st.TouchAgent(ctx, "42", domain.AgentStatusActive, domain.AccountSnapshot{Balance: 1000}, now.Add(-time.Hour)))

	evicted, err := st.DeleteStaleAgents(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"42"}, evicted)

	got, err := st.GetAgent(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTradesNewestFirstAndIdentityFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	mk := func(identity string, offset time.Duration) string {
		id := uuid.NewString()
		require.NoError(t, st.InsertTrade(ctx, &domain.TradeRecord{
			ID: id, Identity: identity, Symbol: "EURUSD", Status: domain.TradeStatusClosed,
			NetProfit: 1.5, RequestedAt: now.Add(offset),
		}))
		return id
	}

	older := mk("ea-1", -time.Hour)
	newer := mk("ea-1", -time.Minute)
	mk("ea-2", -time.Second)

	got, err := st.ListTrades(ctx, "ea-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer, got[0].ID)
	assert.Equal(t, older, got[1].ID)

	all, err := st.ListTrades(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/oggyb/match-credits/internal/app/apptest"
	"github.com/oggyb/match-credits/internal/maintenance"
	"github.com/oggyb/match-credits/internal/service/admin"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

func TestRunDailyReportsEveryTask(t *testing.T) {
	ctx := context.Background()
	env := apptest.New(t, nil)
	svc := admin.NewMaintenanceService(env.App)

	_, err := env.App.Matches.GrantInitialMatches(ctx, "u1", []string{"s1"}, 0)
	require.NoError(t, err)

	resp, err := svc.RunDaily(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	var sum maintenance.RunSummary
	require.NoError(t, rpc.ToJSON(resp, &sum))
	assert.Equal(t, maintenance.StatusSuccess, sum.OverallStatus)
	assert.NotEmpty(t, sum.RunID)
	assert.Len(t, sum.Tasks, 4)
	assert.Equal(t, maintenance.HealthHealthy, sum.Tasks[maintenance.TaskHealth].Data["health_status"])

	run, err := env.App.Maintenance.LastRun(ctx, maintenance.JobDaily)
	require.NoError(t, err)
	assert.Equal(t, sum.RunID, run.ID)
}

func TestRunHourlySkippedWhileLocked(t *testing.T) {
	ctx := context.Background()
	env := apptest.New(t, nil)
	svc := admin.NewMaintenanceService(env.App)

	cache := env.App.RedisCache
	_, ok, err := cache.TryLock(ctx, cache.KeyForJobLock(maintenance.JobHourly), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := svc.RunHourly(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, maintenance.StatusSkipped, resp.GetFields()["overall_status"].GetStringValue())
}

func TestExpireMatchesAndHealth(t *testing.T) {
	ctx := context.Background()
	env := apptest.New(t, nil)
	svc := admin.NewMaintenanceService(env.App)

	resp, err := svc.ExpireMatches(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, float64(0), resp.GetFields()["expired"].GetNumberValue())

	resp, err = svc.Health(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, maintenance.HealthAttentionNeeded, resp.GetFields()["status"].GetStringValue())
	assert.True(t, env.Redis.Exists(env.App.RedisCache.KeyForHealth()))
}

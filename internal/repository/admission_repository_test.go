package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-reservation/internal/repository"
)

func TestBindUserKey_ExpiresBothIndexSides(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := repository.NewAdmissionRepo(db)

	ttl := time.Hour
	mock.ExpectTxPipeline()
	mock.ExpectHSet("adm:user:k1", "schedule_id", uint64(7), "user_id", uint64(100)).SetVal(2)
	mock.ExpectExpire("adm:user:k1", ttl).SetVal(true)
	mock.ExpectHSet("adm:keys:7", "100", "k1").SetVal(1)
	mock.ExpectExpire("adm:keys:7", ttl).SetVal(true)
	mock.ExpectTxPipelineExec()

	err := repo.BindUserKey(context.Background(), "k1", 7, 100, ttl)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "reverse index must carry a TTL too")
}

func TestRemoveWaiting_DropsQueueEntryAndKeyIndexField(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := repository.NewAdmissionRepo(db)

	mock.ExpectTxPipeline()
	mock.ExpectZRem("adm:queue:7", "100").SetVal(1)
	mock.ExpectHDel("adm:keys:7", "100").SetVal(1)
	mock.ExpectTxPipelineExec()

	err := repo.RemoveWaiting(context.Background(), 7, 100)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReset_WipesScheduleState(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := repository.NewAdmissionRepo(db)

	mock.ExpectTxPipeline()
	mock.ExpectDel("adm:active:7", "adm:queue:7", "adm:seq:7", "adm:keys:7").SetVal(4)
	mock.ExpectSRem("adm:schedules", uint64(7)).SetVal(1)
	mock.ExpectTxPipelineExec()

	err := repo.Reset(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

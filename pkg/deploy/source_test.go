package deploy

import (
	"testing"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instanceAt(id, storageID uint, site string, verifiedAt time.Time) models.FileInstance {
	return models.FileInstance{
		ID:         id,
		StorageID:  storageID,
		Verified:   true,
		VerifiedAt: &verifiedAt,
		Storage:    models.Storage{ID: storageID, Site: site},
	}
}

func TestSelectSource(t *testing.T) {
	now := time.Now()
	dst := &models.Storage{ID: 1, Site: "bccrc"}

	remoteNew := instanceAt(10, 2, "azure", now)
	localOld := instanceAt(11, 3, "bccrc", now.Add(-time.Hour))
	localNew := instanceAt(12, 4, "bccrc", now.Add(-time.Minute))
	onDestination := instanceAt(13, 1, "bccrc", now.Add(time.Hour))
	candidates := []models.FileInstance{remoteNew, localOld, localNew, onDestination}

	chosen := SelectSource(SourceSiteAffinity, dst, candidates)
	require.NotNil(t, chosen)
	assert.EqualValues(t, 12, chosen.ID)

	chosen = SelectSource(SourceMostRecent, dst, candidates)
	require.NotNil(t, chosen)
	assert.EqualValues(t, 10, chosen.ID)
}

func TestSelectSourceIgnoresUntrusted(t *testing.T) {
	dst := &models.Storage{ID: 1}

	stale := instanceAt(10, 2, "", time.Now())
	stale.Stale = true
	unverified := instanceAt(11, 3, "", time.Now())
	unverified.Verified = false

	assert.Nil(t, SelectSource(SourceSiteAffinity, dst, []models.FileInstance{stale, unverified}))
	assert.Nil(t, SelectSource(SourceSiteAffinity, dst, nil))
}

func TestSelectSourceTieBreaksByID(t *testing.T) {
	at := time.Now()
	dst := &models.Storage{ID: 1}

	chosen := SelectSource(SourceMostRecent, dst, []models.FileInstance{
		instanceAt(21, 3, "", at),
		instanceAt(20, 2, "", at),
	})
	require.NotNil(t, chosen)
	assert.EqualValues(t, 20, chosen.ID)
}

func TestParseSourcePolicy(t *testing.T) {
	policy, err := ParseSourcePolicy("")
	require.NoError(t, err)
	assert.Equal(t, SourceSiteAffinity, policy)

	policy, err = ParseSourcePolicy("most_recent")
	require.NoError(t, err)
	assert.Equal(t, SourceMostRecent, policy)

	_, err = ParseSourcePolicy("cheapest")
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	transfers := func(states ...models.TransferState) []models.FileTransfer {
		list := make([]models.FileTransfer, 0, len(states))
		for _, state := range states {
			list = append(list, models.FileTransfer{State: state})
		}
		return list
	}

	status := Aggregate(transfers(models.TransferQueued, models.TransferRunning))
	assert.True(t, status.Running)
	assert.False(t, status.Finished)
	assert.False(t, status.Errors)

	status = Aggregate(transfers(models.TransferFinished, models.TransferFinished))
	assert.True(t, status.Finished)
	assert.Equal(t, 2, status.Counts[models.TransferFinished])

	status = Aggregate(transfers(models.TransferFinished, models.TransferFailed, models.TransferRunning))
	assert.True(t, status.Running)
	assert.True(t, status.Errors)
	assert.False(t, status.Finished)
	assert.Equal(t, 3, status.Total)
}

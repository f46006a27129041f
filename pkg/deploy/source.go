package deploy

import (
	"fmt"
	"sort"
	"time"

	"github.com/mwantia/tantalus/pkg/db/models"
)

type SourcePolicy string

const (
	// SourceSiteAffinity prefers sources at the destination's site, then the
	// most recently verified.
	SourceSiteAffinity SourcePolicy = "site_affinity"
	// SourceMostRecent ignores sites and takes the most recently verified.
	SourceMostRecent SourcePolicy = "most_recent"
)

func ParseSourcePolicy(value string) (SourcePolicy, error) {
	switch SourcePolicy(value) {
	case SourceSiteAffinity, SourceMostRecent:
		return SourcePolicy(value), nil
	case "":
		return SourceSiteAffinity, nil
	default:
		return "", fmt.Errorf("unknown source policy '%s'", value)
	}
}

// SelectSource picks the instance to copy from among verified candidates.
// Candidates must have their Storage loaded. Instances on dst are ignored.
func SelectSource(policy SourcePolicy, dst *models.Storage, candidates []models.FileInstance) *models.FileInstance {
	eligible := make([]models.FileInstance, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.StorageID != dst.ID && candidate.IsVerified() {
			eligible = append(eligible, candidate)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]

		if policy == SourceSiteAffinity && dst.Site != "" {
			aLocal, bLocal := a.Storage.Site == dst.Site, b.Storage.Site == dst.Site
			if aLocal != bLocal {
				return aLocal
			}
		}

		aTime, bTime := recency(a), recency(b)
		if !aTime.Equal(bTime) {
			return aTime.After(bTime)
		}
		return a.ID < b.ID
	})

	return &eligible[0]
}

func recency(instance models.FileInstance) time.Time {
	if instance.VerifiedAt != nil {
		return *instance.VerifiedAt
	}
	return instance.UpdatedAt
}

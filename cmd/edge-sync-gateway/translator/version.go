package translator

import (
	"strconv"
	"strings"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
)

// Minimum protocol versions per gated entity type. Entity types not listed
// here are supported by every client.
var minVersionByEntityType = map[shared.EntityType]string{
	shared.EntityCalculatedField: "3.7.0",
	shared.EntityAIModel:         "4.0.0",
	shared.EntityOAuth2Domain:    "3.5.0",
}

func featureSupported(edgeVersion string, entityType shared.EntityType) bool {
	min, gated := minVersionByEntityType[entityType]
	if !gated {
		return true
	}
	// An unparseable or empty version is treated as too old.
	return compareVersions(edgeVersion, min) >= 0
}

// compareVersions compares dotted numeric versions ("3.7.0"). Missing
// segments count as zero; a malformed left side compares as older.
func compareVersions(a, b string) int {
	a = strings.TrimPrefix(strings.TrimSpace(a), "v")
	b = strings.TrimPrefix(strings.TrimSpace(b), "v")
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		var err error
		if i < len(as) {
			if av, err = strconv.Atoi(as[i]); err != nil {
				return -1
			}
		}
		if i < len(bs) {
			if bv, err = strconv.Atoi(bs[i]); err != nil {
				return 1
			}
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

package livesync

import (
	"sort"

	"github.com/trustbloc-labs/anchor-observer/internal/model"
)

// VersionNamer resolves the version band covering a transactionTime,
// keying the Limiter's per-version admission caps.
type VersionNamer func(transactionTime uint64) string

// Limiter caps how many records from the same block may be admitted for
// processing in a single admission call: one version's large block cannot
// monopolize the download manager.
type Limiter struct {
	defaultCap int
	perVersion map[string]int
	versionOf  VersionNamer
}

// NewLimiter builds a Limiter. defaultCap applies to any version absent
// from perVersion.
func NewLimiter(defaultCap int, perVersion map[string]int, versionOf VersionNamer) *Limiter {
	return &Limiter{defaultCap: defaultCap, perVersion: perVersion, versionOf: versionOf}
}

func (l *Limiter) capFor(version string) int {
	if c, ok := l.perVersion[version]; ok {
		return c
	}
	return l.defaultCap
}

// Admit returns the subset of records allowed into processing this call,
// stable-sorted by transactionNumber. Records dropped here are re-admitted
// on a later live-loop iteration, since the cursor does not advance past
// them until persisted.
func (l *Limiter) Admit(records []model.AnchorRecord) []model.AnchorRecord {
	perBlockCount := make(map[string]map[uint64]int)

	admitted := make([]model.AnchorRecord, 0, len(records))
	for _, r := range records {
		version := l.versionOf(r.TransactionTime)
		if perBlockCount[version] == nil {
			perBlockCount[version] = make(map[uint64]int)
		}

		limit := l.capFor(version)
		if perBlockCount[version][r.TransactionTime] >= limit {
			continue
		}
		perBlockCount[version][r.TransactionTime]++
		admitted = append(admitted, r)
	}

	sort.SliceStable(admitted, func(i, j int) bool {
		return admitted[i].TransactionNumber < admitted[j].TransactionNumber
	})

	return admitted
}

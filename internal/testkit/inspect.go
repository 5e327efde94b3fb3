package testkit

import (
	"context"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/pack"
)

// PackStats summarises what is physically stored in sealed packs.
type PackStats struct {
	Packs        int
	Blocks       int // including duplicates across packs
	UniqueBlocks int
	StoredBytes  int // encoded block bytes, after transform
}

// InspectPacks walks every sealed pack managed by pm.
func InspectPacks(ctx context.Context, pm pack.Manager) (PackStats, error) {
	var st PackStats
	seen := make(map[string]struct{})
	for _, id := range pm.ListSealedPacks() {
		st.Packs++
		err := pm.ReadPackBlocks(ctx, id, func(c core.CID, stored []byte) error {
			st.Blocks++
			st.StoredBytes += len(stored)
			seen[string(c.Bytes)] = struct{}{}
			return nil
		})
		if err != nil {
			return PackStats{}, err
		}
	}
	st.UniqueBlocks = len(seen)
	return st, nil
}

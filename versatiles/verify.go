package versatiles

import (
	"context"
	"fmt"
	"sort"

	"github.com/versatiles-org/versatiles-go/container"
	"github.com/versatiles-org/versatiles-go/verrors"
)

// VerifyReport summarizes a DeepVerify pass: how much was checked and the
// first failure encountered, if any. Verification does not stop at the
// first failure — it keeps counting so a caller sees the overall shape
// of a damaged file, not just its first symptom.
type VerifyReport struct {
	BlocksChecked int
	TilesChecked  int
	FirstError    error
}

// DeepVerify iterates every block in z/by/bx order, decodes its tile
// index, reads every declared tile range, and checks that each block has
// at least one populated slot, accumulating a single pass/fail report
// rather than aborting on the first bad entry.
func (r *Reader) DeepVerify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}

	keys := make([]container.BlockKey, 0, len(r.blocks))
	for k := range r.blocks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.BY != b.BY {
			return a.BY < b.BY
		}
		return a.BX < b.BX
	})

	for _, key := range keys {
		block := r.blocks[key]
		report.BlocksChecked++

		idx, err := r.tileIndex(ctx, block)
		if err != nil {
			report.note(err)
			continue
		}

		nonEmpty := 0
		for _, rng := range idx {
			if rng.Length == 0 {
				continue
			}
			nonEmpty++
			if rng.Offset+rng.Length > block.TilesRange.Length {
				report.note(verrors.New(verrors.Corruption, "versatiles",
					fmt.Sprintf("block %d/%d/%d", block.Z, block.BlockX, block.BlockY),
					fmt.Errorf("tile range [%d,%d) exceeds tiles segment length %d", rng.Offset, rng.Offset+rng.Length, block.TilesRange.Length)))
				continue
			}
			if _, err := r.src.ReadRange(ctx, block.TilesRange.Offset+rng.Offset, rng.Length); err != nil {
				report.note(err)
				continue
			}
			report.TilesChecked++
		}
		if nonEmpty == 0 {
			report.note(verrors.New(verrors.Corruption, "versatiles",
				fmt.Sprintf("block %d/%d/%d", block.Z, block.BlockX, block.BlockY),
				fmt.Errorf("block has no populated tiles")))
		}
	}

	return report, nil
}

func (rep *VerifyReport) note(err error) {
	if rep.FirstError == nil {
		rep.FirstError = err
	}
}

// OK reports whether the pass found no failures.
func (rep *VerifyReport) OK() bool { return rep.FirstError == nil }

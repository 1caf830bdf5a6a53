package lib

import (
	"sort"

	"github.com/gingerrexayers/bsync-go/internal/bsync/types"
)

type contentKey struct {
	signature types.Signature
	size      int64
}

// Diff computes the change set that turns prev into next. A file whose content
// disappeared from one path and appeared at another is reported as a move;
// each removed path, in lexicographic order, claims the lexicographically
// smallest unclaimed added path with the same signature and size.
func Diff(prev, next types.Snapshot) types.ChangeSet {
	var cs types.ChangeSet
	var added, removed []types.FileRecord

	for path, newRec := range next.Files {
		oldRec, ok := prev.Files[path]
		switch {
		case !ok:
			added = append(added, newRec)
		case oldRec.Signature != newRec.Signature || oldRec.Size != newRec.Size:
			cs.Modified = append(cs.Modified, types.Modification{Old: oldRec, New: newRec})
		}
	}
	for path, oldRec := range prev.Files {
		if _, ok := next.Files[path]; !ok {
			removed = append(removed, oldRec)
		}
	}

	sortRecords(added)
	sortRecords(removed)

	// Added paths grouped by content, each group in path order.
	candidates := make(map[contentKey][]int)
	for i, rec := range added {
		key := contentKey{rec.Signature, rec.Size}
		candidates[key] = append(candidates[key], i)
	}

	paired := make([]bool, len(added))
	for _, rec := range removed {
		key := contentKey{rec.Signature, rec.Size}
		queue := candidates[key]
		if len(queue) == 0 {
			cs.Removed = append(cs.Removed, rec)
			continue
		}
		idx := queue[0]
		candidates[key] = queue[1:]
		paired[idx] = true
		cs.Moved = append(cs.Moved, types.Move{From: rec, To: added[idx]})
	}
	for i, rec := range added {
		if !paired[i] {
			cs.Added = append(cs.Added, rec)
		}
	}

	sort.Slice(cs.Modified, func(i, j int) bool {
		return cs.Modified[i].New.Path < cs.Modified[j].New.Path
	})
	return cs
}

func sortRecords(records []types.FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
}

// Apply returns a new snapshot with cs applied to base. base is not modified.
func Apply(base types.Snapshot, cs types.ChangeSet) types.Snapshot {
	out := types.Snapshot{
		Files:      make(map[string]types.FileRecord, len(base.Files)+len(cs.Added)),
		CapturedAt: base.CapturedAt,
		Generation: base.Generation,
	}
	for path, rec := range base.Files {
		out.Files[path] = rec
	}

	for _, mv := range cs.Moved {
		delete(out.Files, mv.From.Path)
	}
	for _, mv := range cs.Moved {
		out.Files[mv.To.Path] = mv.To
	}
	for _, rec := range cs.Removed {
		delete(out.Files, rec.Path)
	}
	for _, rec := range cs.Added {
		out.Files[rec.Path] = rec
	}
	for _, mod := range cs.Modified {
		out.Files[mod.New.Path] = mod.New
	}
	return out
}

// Paths returns every path the change set mentions, sorted. A move
// contributes both its source and its destination.
func Paths(cs types.ChangeSet) []string {
	paths := make([]string, 0, cs.Len()+len(cs.Moved))
	for _, rec := range cs.Added {
		paths = append(paths, rec.Path)
	}
	for _, rec := range cs.Removed {
		paths = append(paths, rec.Path)
	}
	for _, mod := range cs.Modified {
		paths = append(paths, mod.New.Path)
	}
	for _, mv := range cs.Moved {
		paths = append(paths, mv.From.Path, mv.To.Path)
	}
	sort.Strings(paths)
	return paths
}

// SameFiles reports whether a and b record the same paths with the same
// size, modification time and signature.
func SameFiles(a, b types.Snapshot) bool {
	if len(a.Files) != len(b.Files) {
		return false
	}
	for path, ra := range a.Files {
		rb, ok := b.Files[path]
		if !ok || ra.Size != rb.Size || ra.Signature != rb.Signature || !ra.ModTime.Equal(rb.ModTime) {
			return false
		}
	}
	return true
}

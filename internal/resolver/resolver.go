// Package resolver holds the pure decision logic for reconciling a local
// entity against a remote snapshot. It only produces verdicts; applying them
// (and any business-specific merging) is the caller's job.
package resolver

import "github.com/hyperengineering/tether/internal/entity"

// Verdict is the outcome of comparing local and remote versions of an entity.
type Verdict string

const (
	// AcceptRemote replaces the clean local copy with the newer remote state.
	AcceptRemote Verdict = "accept_remote"

	// KeepLocal preserves the local copy; the pending mutation will be pushed.
	KeepLocal Verdict = "keep_local"

	// MarkConflict flags divergence that cannot be resolved without risking
	// loss of local intent. Entity content is never mutated by this verdict.
	MarkConflict Verdict = "mark_conflict"

	// Ignore drops the remote snapshot: it is stale or already applied.
	Ignore Verdict = "ignore"
)

// Resolve compares a local entity with a remote snapshot and decides how the
// remote state should be applied. local may be nil when the entity is not
// known locally yet.
func Resolve(local *entity.Entity, remote *entity.RemoteSnapshot) Verdict {
	if local == nil {
		return AcceptRemote
	}

	// Idempotence gate: never apply a snapshot at or below the stored version
	// unless etags disagree on the same version number.
	if remote.Version < local.Version {
		return Ignore
	}
	if remote.Version == local.Version {
		if local.ETag == "" || remote.ETag == local.ETag {
			return Ignore
		}
		// Same version but different etag: treat like a newer remote.
	}

	switch local.SyncStatus {
	case entity.StatusSynced:
		return AcceptRemote
	case entity.StatusPending, entity.StatusSyncing, entity.StatusFailed:
		// Uncommitted local intent on a now-stale base. Never silently
		// discard it.
		return MarkConflict
	case entity.StatusConflict:
		// Already awaiting resolution; don't churn the stored copy.
		return Ignore
	default:
		return MarkConflict
	}
}

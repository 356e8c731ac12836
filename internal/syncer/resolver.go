package syncer

import (
	"fmt"

	maildomain "mailmirror/internal/mail/domain"
)

// FlagWrite is one resolved flag assignment.
type FlagWrite struct {
	Field   string
	Value   bool
	Version int64
}

// LabelWrite is a resolved replacement of the full label set.
type LabelWrite struct {
	Names   []string
	Version int64
}

// Resolution tells the engine how to apply one remote change. Discarded
// pending mutations are dropped with a logged notice, never an error:
// the resolver is total and always produces a resolution.
type Resolution struct {
	UpsertContent bool
	Delete        bool
	Flags         []FlagWrite
	Labels        *LabelWrite
	Discard       []*maildomain.PendingMutation
	Notices       []string
}

// Resolve merges one remote change against the local row and its queued
// local mutations. Pure function; policy:
//
//   - content fields and thread membership: remote wins (immutable-from-local)
//   - remote delete: wins unconditionally, queued mutations discarded
//   - flags and labels: field-level last-writer-wins on the per-field
//     version counter; a queued local mutation on the same field is a tie,
//     where local intent wins for user-settable flags and the remote wins
//     for server-owned flags
func Resolve(change *maildomain.RemoteChange, local *maildomain.Email, pending []*maildomain.PendingMutation) Resolution {
	var res Resolution

	switch change.Kind {
	case maildomain.ChangeNew, maildomain.ChangeUpdated:
		res.UpsertContent = true
		if local == nil || local.Deleted || change.Email == nil || len(change.Email.Labels) == 0 {
			return res
		}
		// A label set riding on a re-delivered content payload merges like
		// a label change: a queued local edit wins the tie, otherwise the
		// remote set replaces the local one.
		if m := pendingFor(pending, maildomain.FieldLabels); m != nil {
			res.Notices = append(res.Notices,
				fmt.Sprintf("concurrent label edit on %s, keeping local set", change.ProviderID))
			return res
		}
		res.Labels = &LabelWrite{Names: change.Email.Labels, Version: local.LabelsVersion + 1}

	case maildomain.ChangeDeleted:
		if local == nil {
			return res
		}
		res.Delete = true
		for _, m := range pending {
			res.Discard = append(res.Discard, m)
			res.Notices = append(res.Notices,
				fmt.Sprintf("remote delete of %s discards queued %s mutation", change.ProviderID, m.Field))
		}

	case maildomain.ChangeFlag:
		if local == nil {
			res.Notices = append(res.Notices,
				fmt.Sprintf("flag change for unknown email %s ignored", change.ProviderID))
			return res
		}
		for _, field := range sortedFlagFields(change.Flags) {
			value := change.Flags[field]
			res.resolveFlag(field, value, local, pending)
		}

	case maildomain.ChangeLabel:
		if local == nil {
			res.Notices = append(res.Notices,
				fmt.Sprintf("label change for unknown email %s ignored", change.ProviderID))
			return res
		}
		if m := pendingFor(pending, maildomain.FieldLabels); m != nil {
			// Concurrent local label edit in the same sync window: local wins.
			res.Notices = append(res.Notices,
				fmt.Sprintf("concurrent label edit on %s, keeping local set", change.ProviderID))
			return res
		}
		res.Labels = &LabelWrite{Names: change.Labels, Version: local.LabelsVersion + 1}
	}

	return res
}

func (r *Resolution) resolveFlag(field string, value bool, local *maildomain.Email, pending []*maildomain.PendingMutation) {
	current, version, ok := local.FlagValue(field)
	if !ok {
		// Server-owned or unknown field: tracked only when modeled locally.
		r.Notices = append(r.Notices, fmt.Sprintf("unmodeled flag %q ignored", field))
		return
	}

	if m := pendingFor(pending, field); m != nil {
		if maildomain.ServerOwnedFlag(field) {
			// Server-owned flag: remote wins the tie, local mutation dropped.
			r.Discard = append(r.Discard, m)
			r.Flags = append(r.Flags, FlagWrite{Field: field, Value: value, Version: maxInt64(version, m.Version) + 1})
			r.Notices = append(r.Notices,
				fmt.Sprintf("server-owned flag %s overrides queued local mutation", field))
		}
		// User-settable flag: local intent wins, remote value skipped,
		// the queued mutation stays and will be pushed.
		return
	}

	if current == value {
		// Re-delivered change (stale cursor re-fetch): nothing to do.
		return
	}
	r.Flags = append(r.Flags, FlagWrite{Field: field, Value: value, Version: version + 1})
}

func pendingFor(pending []*maildomain.PendingMutation, field string) *maildomain.PendingMutation {
	// Latest queued mutation for the field carries the user's final intent.
	var last *maildomain.PendingMutation
	for _, m := range pending {
		if m.Field == field {
			last = m
		}
	}
	return last
}

func sortedFlagFields(flags map[string]bool) []string {
	fields := make([]string, 0, len(flags))
	for f := range flags {
		fields = append(fields, f)
	}
	// Deterministic application order regardless of map iteration.
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && fields[j] < fields[j-1]; j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
	return fields
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

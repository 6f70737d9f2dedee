package ledger

// Per-kind merge policies. Every function here is pure: it takes the two
// decrypted payloads (plus whatever context the policy needs) and reports
// the merged value, whether a genuinely new value was produced, which fields
// collided, and which side (if any) must be retained as superseded.
//
// The policies are only invoked for causally concurrent versions; fast
// forwards and stale deltas are handled before decryption in the engine.

// mergeDecision is the outcome of a per-kind merge policy.
type mergeDecision struct {
	// payload is the surviving value. nil means the remote version was
	// rejected outright and the local value stands unchanged.
	payload any

	// produced is true when payload differs from both inputs, which requires
	// an extra local increment on the merged version vector.
	produced bool

	// collisions lists fields both sides edited concurrently.
	collisions []string

	// superseded is a losing payload that must be retained, nil if none.
	superseded any

	// reject carries the reason the remote version was refused, "" if it
	// was not.
	reject ConflictReason
}

// fieldMerger accumulates per-field last-writer-wins decisions so the caller
// can tell whether the merged record mixes both sides (a genuinely new
// value) and which fields collided.
type fieldMerger struct {
	localVV, remoteVV VersionVector
	tookRemote        bool
	keptLocal         bool
	collisions        []string
}

// resolve decides one field. It returns the winning value and stamp.
func resolveField[T comparable](m *fieldMerger, field string, localVal, remoteVal T, localStamp, remoteStamp FieldStamp, flagCollisions bool) (T, FieldStamp) {
	if localVal == remoteVal && localStamp == remoteStamp {
		return localVal, localStamp
	}

	// A genuine concurrent edit means neither branch had seen the other's
	// write when it made its own.
	concurrent := !localStamp.SeenBy(m.remoteVV) && !remoteStamp.SeenBy(m.localVV)
	if concurrent && localVal != remoteVal && flagCollisions {
		m.collisions = append(m.collisions, field)
	}

	if remoteStamp.After(localStamp) {
		if localVal != remoteVal {
			m.tookRemote = true
		}
		return remoteVal, remoteStamp
	}
	if localVal != remoteVal {
		m.keptLocal = true
	}
	return localVal, localStamp
}

// produced reports whether the merged record differs from both inputs.
func (m *fieldMerger) produced() bool {
	return m.tookRemote && m.keptLocal
}

// mergeAccounts merges two concurrent versions of an account field by field.
// Renames and attribute changes follow last-writer-wins with no review
// needed; a reparent that would create a cycle (checked against the local
// tree with the candidate parent) is rejected and flagged.
func mergeAccounts(local, remote *Account, localVV, remoteVV VersionVector, wouldCycle func(parentID string) bool) mergeDecision {
	m := &fieldMerger{localVV: localVV, remoteVV: remoteVV}

	merged := Account{Stamps: make(FieldStamps, 4)}
	merged.Name, merged.Stamps["name"] = resolveField(m, "name", local.Name, remote.Name, local.Stamps["name"], remote.Stamps["name"], false)
	merged.Code, merged.Stamps["code"] = resolveField(m, "code", local.Code, remote.Code, local.Stamps["code"], remote.Stamps["code"], false)
	merged.Type, merged.Stamps["type"] = resolveField(m, "type", local.Type, remote.Type, local.Stamps["type"], remote.Stamps["type"], false)

	d := mergeDecision{}

	parent, parentStamp := resolveField(m, "parent_id", local.ParentID, remote.ParentID, local.Stamps["parent_id"], remote.Stamps["parent_id"], false)
	if parent != local.ParentID && wouldCycle(parent) {
		// Keep the local parent; the structural move is rejected and
		// flagged, not silently dropped.
		merged.ParentID, merged.Stamps["parent_id"] = local.ParentID, local.Stamps["parent_id"]
		d.reject = ReasonAccountCycle
	} else {
		merged.ParentID, merged.Stamps["parent_id"] = parent, parentStamp
	}

	d.payload = &merged
	d.produced = m.produced()
	return d
}

// mergeTransactions merges two concurrent versions of a transaction.
//
// Lines are a single structural unit (they live in one payload), so the
// policy is whole-record last-writer-wins, with two twists: a void status is
// terminal and always wins, and the losing version is retained as a
// superseded record plus a low-priority review note. A remote version that
// does not balance is rejected outright.
func mergeTransactions(local, remote *Transaction) mergeDecision {
	if !remote.Balanced() {
		return mergeDecision{reject: ReasonUnbalancedTransaction}
	}

	localWins := local.Stamp.After(remote.Stamp)

	// Void is terminal.
	if local.Status == StatusVoid && remote.Status != StatusVoid {
		localWins = true
	} else if remote.Status == StatusVoid && local.Status != StatusVoid {
		localWins = false
	}

	if localWins {
		return mergeDecision{payload: local, superseded: remote}
	}
	return mergeDecision{payload: remote, superseded: local}
}

// mergeInvoices merges two concurrent invoice versions field by field.
// Disjoint edits both win without review; a field edited concurrently on
// both sides keeps the deterministic winner and is flagged.
func mergeInvoices(local, remote *Invoice, localVV, remoteVV VersionVector) mergeDecision {
	m := &fieldMerger{localVV: localVV, remoteVV: remoteVV}

	merged := Invoice{Stamps: make(FieldStamps, 8)}
	merged.Number, merged.Stamps["number"] = resolveField(m, "number", local.Number, remote.Number, local.Stamps["number"], remote.Stamps["number"], true)
	merged.ContactID, merged.Stamps["contact_id"] = resolveField(m, "contact_id", local.ContactID, remote.ContactID, local.Stamps["contact_id"], remote.Stamps["contact_id"], true)
	merged.IssueDate, merged.Stamps["issue_date"] = resolveField(m, "issue_date", local.IssueDate, remote.IssueDate, local.Stamps["issue_date"], remote.Stamps["issue_date"], true)
	merged.DueDate, merged.Stamps["due_date"] = resolveField(m, "due_date", local.DueDate, remote.DueDate, local.Stamps["due_date"], remote.Stamps["due_date"], true)
	merged.Total, merged.Stamps["total"] = resolveField(m, "total", local.Total, remote.Total, local.Stamps["total"], remote.Stamps["total"], true)
	merged.Status, merged.Stamps["status"] = resolveField(m, "status", local.Status, remote.Status, local.Stamps["status"], remote.Stamps["status"], true)
	merged.Notes, merged.Stamps["notes"] = resolveField(m, "notes", local.Notes, remote.Notes, local.Stamps["notes"], remote.Stamps["notes"], true)
	merged.AttachmentKey, merged.Stamps["attachment_key"] = resolveField(m, "attachment_key", local.AttachmentKey, remote.AttachmentKey, local.Stamps["attachment_key"], remote.Stamps["attachment_key"], true)

	return mergeDecision{
		payload:    &merged,
		produced:   m.produced(),
		collisions: m.collisions,
	}
}

// mergeContacts: record-level last-writer-wins, nothing surfaced.
func mergeContacts(local, remote *Contact) mergeDecision {
	if local.Stamp.After(remote.Stamp) {
		return mergeDecision{payload: local}
	}
	return mergeDecision{payload: remote}
}

// mergeSettings: singleton last-writer-wins, low stakes, nothing surfaced.
func mergeSettings(local, remote *Settings) mergeDecision {
	if local.Stamp.After(remote.Stamp) {
		return mergeDecision{payload: local}
	}
	return mergeDecision{payload: remote}
}

package ledger

// stampAccount carries over the stamps of unchanged fields from the prior
// version and stamps every changed field with the current write.
func stampAccount(old, next *Account, stamp FieldStamp) *Account {
	out := *next
	out.Stamps = make(FieldStamps, 4)

	set := func(field string, changed bool) {
		if old == nil || changed {
			out.Stamps[field] = stamp
			return
		}
		out.Stamps[field] = old.Stamps[field]
	}

	set("name", old != nil && old.Name != next.Name)
	set("code", old != nil && old.Code != next.Code)
	set("type", old != nil && old.Type != next.Type)
	set("parent_id", old != nil && old.ParentID != next.ParentID)
	return &out
}

// stampInvoice does the same for invoices.
func stampInvoice(old, next *Invoice, stamp FieldStamp) *Invoice {
	out := *next
	out.Stamps = make(FieldStamps, 8)

	set := func(field string, changed bool) {
		if old == nil || changed {
			out.Stamps[field] = stamp
			return
		}
		out.Stamps[field] = old.Stamps[field]
	}

	set("number", old != nil && old.Number != next.Number)
	set("contact_id", old != nil && old.ContactID != next.ContactID)
	set("issue_date", old != nil && !old.IssueDate.Equal(next.IssueDate))
	set("due_date", old != nil && !old.DueDate.Equal(next.DueDate))
	set("total", old != nil && old.Total != next.Total)
	set("status", old != nil && old.Status != next.Status)
	set("notes", old != nil && old.Notes != next.Notes)
	set("attachment_key", old != nil && old.AttachmentKey != next.AttachmentKey)
	return &out
}

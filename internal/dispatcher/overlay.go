package dispatcher

import "github.com/kura-dev/kura/internal/eventlog"

// Overlay applies retraction and correction semantics to a tenant's raw
// event history before a handler ever sees it. A retraction or correction
// can target any prior event id regardless of which kinds a handler
// subscribes to, so BuildOverlay is fed the tenant's event.retracted and
// set.corrected rows (fetched by target id, not a full kind-unfiltered
// scan) separately from the handler-kind-filtered history Apply runs over.
type Overlay struct {
	retracted map[string]bool
	corrected map[string]eventlog.Document
}

// BuildOverlay scans history once and indexes every event.retracted and
// set.corrected row. When two corrections target the same event and touch
// the same field, the one with the later (domain_time, id) wins — history
// is assumed to already be sorted by (domain_time asc, id asc), so a later
// occurrence in the slice always overlays a strictly later event.
func BuildOverlay(history []*eventlog.Event) *Overlay {
	o := &Overlay{
		retracted: make(map[string]bool),
		corrected: make(map[string]eventlog.Document),
	}

	for _, e := range history {
		switch e.Kind {
		case eventlog.KindEventRetracted:
			if targetID, ok := e.RetractedEventID(); ok {
				o.retracted[targetID] = true
			}
		case eventlog.KindSetCorrected:
			if targetID, changed, ok := e.CorrectionTarget(); ok {
				existing, hasExisting := o.corrected[targetID]
				if !hasExisting {
					existing = eventlog.Document{}
				}

				for field, value := range changed {
					existing[field] = value
				}

				o.corrected[targetID] = existing
			}
		}
	}

	return o
}

// Apply filters out retracted events and the compensating event.retracted
// and set.corrected rows themselves, and shallow-merges correction fields
// onto the remainder, returning the view a handler should fold over.
func (o *Overlay) Apply(history []*eventlog.Event) []*eventlog.Event {
	out := make([]*eventlog.Event, 0, len(history))

	for _, e := range history {
		if e.Kind == eventlog.KindEventRetracted || e.Kind == eventlog.KindSetCorrected {
			continue
		}

		id := e.ID.String()

		if o.retracted[id] {
			continue
		}

		if changed, ok := o.corrected[id]; ok {
			merged := make(eventlog.Document, len(e.Payload)+len(changed))

			for k, v := range e.Payload {
				merged[k] = v
			}

			for k, v := range changed {
				merged[k] = v
			}

			overlaid := *e
			overlaid.Payload = merged
			out = append(out, &overlaid)

			continue
		}

		out = append(out, e)
	}

	return out
}

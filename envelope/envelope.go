package envelope

// Envelope wraps a message together with the stamps attached to it by the messaging pipeline.
// It is a value: attaching or removing stamps yields a new Envelope and never touches the receiver.
type Envelope struct {
	message interface{}
	stamps  []Stamp
}

// New wraps message and attaches the given stamps in order.
func New(message interface{}, stamps ...Stamp) Envelope {
	env := Envelope{message: message}
	return env.With(stamps...)
}

func (e Envelope) Message() interface{} {
	return e.message
}

// With returns a copy of the envelope with stamps appended after the existing ones.
func (e Envelope) With(stamps ...Stamp) Envelope {
	cp := make([]Stamp, 0, len(e.stamps)+len(stamps))
	cp = append(cp, e.stamps...)
	for _, s := range stamps {
		if s != nil {
			cp = append(cp, s)
		}
	}

	return Envelope{message: e.message, stamps: cp}
}

// WithoutAll returns a copy of the envelope with every stamp of the given kind removed.
func (e Envelope) WithoutAll(kind StampKind) Envelope {
	cp := make([]Stamp, 0, len(e.stamps))
	for _, s := range e.stamps {
		if s.Kind() != kind {
			cp = append(cp, s)
		}
	}

	return Envelope{message: e.message, stamps: cp}
}

// Last returns the most recently attached stamp of the given kind, or nil.
func (e Envelope) Last(kind StampKind) Stamp {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if e.stamps[i].Kind() == kind {
			return e.stamps[i]
		}
	}

	return nil
}

// All returns the stamps of the given kind in attachment order.
func (e Envelope) All(kind StampKind) []Stamp {
	var out []Stamp
	for _, s := range e.stamps {
		if s.Kind() == kind {
			out = append(out, s)
		}
	}

	return out
}

// Stamps returns every attached stamp in attachment order.
func (e Envelope) Stamps() []Stamp {
	cp := make([]Stamp, len(e.stamps))
	copy(cp, e.stamps)
	return cp
}

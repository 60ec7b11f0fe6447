package canvas

// the versioned container of elements a set of observers collaborate on.
// `Elements` is insertion ordered and includes soft deleted tombstones.
// `Version` strictly increases on every successful mutation and is never
// decremented. `Id` is immutable after creation.
type Document struct {
	Id        string         `json:"id"`
	Elements  []*Element     `json:"elements"`
	AppState  map[string]any `json:"appState,omitempty"`
	CreatedAt Millis         `json:"createdAt"`
	UpdatedAt Millis         `json:"updatedAt"`
	Version   int64          `json:"version"`
}

func NewDocument(canvasId string) *Document {
	now := NowMillis()
	return &Document{
		Id:        canvasId,
		Elements:  []*Element{},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// ActiveElements returns non-deleted elements in insertion order
func (self *Document) ActiveElements() []*Element {
	active := []*Element{}
	for _, element := range self.Elements {
		if !element.IsDeleted {
			active = append(active, element)
		}
	}
	return active
}

// activeElement returns the non-deleted element with the id, or nil
func (self *Document) activeElement(elementId string) *Element {
	for _, element := range self.Elements {
		if element.Id == elementId && !element.IsDeleted {
			return element
		}
	}
	return nil
}

func (self *Document) activeIds() map[string]bool {
	activeIds := map[string]bool{}
	for _, element := range self.Elements {
		if !element.IsDeleted {
			activeIds[element.Id] = true
		}
	}
	return activeIds
}

func (self *Document) touch() {
	self.UpdatedAt = NowMillis()
	self.Version += 1
}

// Clone deep copies the document so that the durable store can serialize a
// snapshot while the cache keeps mutating the live instance
func (self *Document) Clone() *Document {
	clone := *self
	clone.Elements = make([]*Element, len(self.Elements))
	for i, element := range self.Elements {
		clone.Elements[i] = element.Clone()
	}
	if self.AppState != nil {
		clone.AppState = map[string]any{}
		for key, value := range self.AppState {
			clone.AppState[key] = value
		}
	}
	return &clone
}

// syncIndex returns the index a merged element with the id should occupy.
// an active element with the id always wins so that a merge can never leave
// a second active copy behind; the first tombstone is reused only when no
// active element exists. -1 means the id is unseen.
func (self *Document) syncIndex(elementId string) int {
	tombstone := -1
	for i, element := range self.Elements {
		if element.Id != elementId {
			continue
		}
		if !element.IsDeleted {
			return i
		}
		if tombstone < 0 {
			tombstone = i
		}
	}
	return tombstone
}

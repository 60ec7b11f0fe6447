package canvas

import (
	"encoding/json"

	"golang.org/x/exp/slices"
)

type ElementType string

const (
	ElementTypeRectangle ElementType = "rectangle"
	ElementTypeEllipse   ElementType = "ellipse"
	ElementTypeDiamond   ElementType = "diamond"
	ElementTypeArrow     ElementType = "arrow"
	ElementTypeLine      ElementType = "line"
	ElementTypeText      ElementType = "text"
	ElementTypeDraw      ElementType = "draw"
	ElementTypeLabel     ElementType = "label"
)

var elementTypes = []ElementType{
	ElementTypeRectangle,
	ElementTypeEllipse,
	ElementTypeDiamond,
	ElementTypeArrow,
	ElementTypeLine,
	ElementTypeText,
	ElementTypeDraw,
	ElementTypeLabel,
}

func ValidElementType(elementType ElementType) bool {
	return slices.Contains(elementTypes, elementType)
}

// one visual primitive on a canvas.
// soft deleted elements stay in the document element list with `IsDeleted` set,
// so that a full resync from a client that never saw the delete converges.
// fields owned by the default-synthesis collaborator that the core does not
// interpret live in `Extra` and round-trip through json at the top level.
type Element struct {
	Id              string      `json:"id"`
	Type            ElementType `json:"type"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
	Angle           float64     `json:"angle"`
	StrokeColor     string      `json:"strokeColor"`
	BackgroundColor string      `json:"backgroundColor"`
	FillStyle       string      `json:"fillStyle"`
	StrokeWidth     float64     `json:"strokeWidth"`
	Roughness       int         `json:"roughness"`
	Opacity         float64     `json:"opacity"`
	Text            string      `json:"text,omitempty"`
	Locked          bool        `json:"locked"`
	IsDeleted       bool        `json:"isDeleted"`
	Version         int64       `json:"version"`
	GroupIds        []string    `json:"groupIds"`
	CreatedAt       Millis      `json:"createdAt"`
	UpdatedAt       Millis      `json:"updatedAt"`
	Source          string      `json:"source,omitempty"`

	Extra map[string]any `json:"-"`
}

// a partial element. keys are the json field names.
// the merge is last-writer-wins per field. `id` is never merged.
type ElementPatch map[string]any

// elementJsonFields are the patch keys applied to typed fields.
// everything else lands in `Extra`.
var elementJsonFields = map[string]bool{
	"id": true, "type": true, "x": true, "y": true,
	"width": true, "height": true, "angle": true,
	"strokeColor": true, "backgroundColor": true, "fillStyle": true,
	"strokeWidth": true, "roughness": true, "opacity": true,
	"text": true, "locked": true, "isDeleted": true, "version": true,
	"groupIds": true, "createdAt": true, "updatedAt": true, "source": true,
}

func (self *Element) applyPatch(patch ElementPatch) {
	for key, value := range patch {
		switch key {
		case "id", "version", "createdAt", "updatedAt", "source", "isDeleted":
			// bookkeeping fields are owned by the cache, never by the caller
		case "type":
			if s, ok := asString(value); ok {
				self.Type = ElementType(s)
			}
		case "x":
			if f, ok := asFloat(value); ok {
				self.X = f
			}
		case "y":
			if f, ok := asFloat(value); ok {
				self.Y = f
			}
		case "width":
			if f, ok := asFloat(value); ok {
				self.Width = f
			}
		case "height":
			if f, ok := asFloat(value); ok {
				self.Height = f
			}
		case "angle":
			if f, ok := asFloat(value); ok {
				self.Angle = f
			}
		case "strokeColor":
			if s, ok := asString(value); ok {
				self.StrokeColor = s
			}
		case "backgroundColor":
			if s, ok := asString(value); ok {
				self.BackgroundColor = s
			}
		case "fillStyle":
			if s, ok := asString(value); ok {
				self.FillStyle = s
			}
		case "strokeWidth":
			if f, ok := asFloat(value); ok {
				self.StrokeWidth = f
			}
		case "roughness":
			if f, ok := asFloat(value); ok {
				self.Roughness = int(f)
			}
		case "opacity":
			if f, ok := asFloat(value); ok {
				self.Opacity = f
			}
		case "text":
			if s, ok := asString(value); ok {
				self.Text = s
			}
		case "locked":
			if b, ok := value.(bool); ok {
				self.Locked = b
			}
		case "groupIds":
			self.GroupIds = asStringSlice(value)
		default:
			if self.Extra == nil {
				self.Extra = map[string]any{}
			}
			self.Extra[key] = value
		}
	}
}

func asString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func asStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := []string{}
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (self *Element) Clone() *Element {
	clone := *self
	clone.GroupIds = slices.Clone(self.GroupIds)
	if self.Extra != nil {
		clone.Extra = map[string]any{}
		for key, value := range self.Extra {
			clone.Extra[key] = value
		}
	}
	return &clone
}

// json round trip flattens `Extra` into the top level object

type elementAlias Element

func (self *Element) MarshalJSON() ([]byte, error) {
	typedBytes, err := json.Marshal((*elementAlias)(self))
	if err != nil {
		return nil, err
	}
	if len(self.Extra) == 0 {
		return typedBytes, nil
	}
	merged := map[string]any{}
	if err := json.Unmarshal(typedBytes, &merged); err != nil {
		return nil, err
	}
	for key, value := range self.Extra {
		if !elementJsonFields[key] {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func (self *Element) UnmarshalJSON(src []byte) error {
	if err := json.Unmarshal(src, (*elementAlias)(self)); err != nil {
		return err
	}
	all := map[string]any{}
	if err := json.Unmarshal(src, &all); err != nil {
		return err
	}
	for key := range all {
		if elementJsonFields[key] {
			delete(all, key)
		}
	}
	if 0 < len(all) {
		self.Extra = all
	}
	return nil
}

// ElementDefaulter fills library-mandated presentation fields the caller
// omitted, before the element is finalized. Pure, no side effects.
type ElementDefaulter func(element *Element)

// BindingSanitizer drops dangling cross-element references from an element,
// given the active element set of its document. Pure, no side effects.
type BindingSanitizer func(element *Element, activeIds map[string]bool)

func DefaultElementDefaulter(element *Element) {
	if element.Type == "" {
		element.Type = ElementTypeRectangle
	}
	if element.StrokeColor == "" {
		element.StrokeColor = "#1e1e1e"
	}
	if element.BackgroundColor == "" {
		element.BackgroundColor = "transparent"
	}
	if element.FillStyle == "" {
		element.FillStyle = "solid"
	}
	if element.StrokeWidth == 0 {
		element.StrokeWidth = 2
	}
	if element.Opacity == 0 {
		element.Opacity = 100
	}
	if element.GroupIds == nil {
		element.GroupIds = []string{}
	}
}

func DefaultBindingSanitizer(element *Element, activeIds map[string]bool) {
	if element.Extra == nil {
		return
	}
	if containerId, ok := element.Extra["containerId"].(string); ok {
		if !activeIds[containerId] {
			delete(element.Extra, "containerId")
		}
	}
	if bound, ok := element.Extra["boundElements"].([]any); ok {
		kept := []any{}
		for _, item := range bound {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			boundId, _ := entry["id"].(string)
			if activeIds[boundId] {
				kept = append(kept, item)
			}
		}
		if len(kept) == 0 {
			delete(element.Extra, "boundElements")
		} else {
			element.Extra["boundElements"] = kept
		}
	}
}

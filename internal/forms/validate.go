package forms

import "strings"

// MissingRequired lists the IDs of required template fields that have no
// usable value, in template order.
func (f Form) MissingRequired() []string {
	var missing []string
	for _, field := range f.Template.Fields {
		if !field.Required {
			continue
		}
		if isEmptyValue(f.Values[field.Key()]) {
			missing = append(missing, field.ID)
		}
	}
	return missing
}

// Validate returns a *ValidationError when required fields are missing.
// Drafts are always persisted regardless; only completion is gated on this.
func (f Form) Validate() error {
	missing := f.MissingRequired()
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{FormID: f.ID, Missing: missing}
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}

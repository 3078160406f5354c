package forms

// A repeated radio group stores one selected option per item, keyed by item
// ID. The last option of the group doubles as the "all" option.

func allOption(options []LookupItem) (LookupItem, bool) {
	if len(options) == 0 {
		return LookupItem{}, false
	}
	return options[len(options)-1], true
}

// SelectAll returns a group value with every item set to the "all" option.
func SelectAll(items, options []LookupItem) map[string]any {
	option, ok := allOption(options)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(items))
	for _, item := range items {
		out[item.ID] = option.ID
	}
	return out
}

// AllSelected reports whether value selects the "all" option for every item.
func AllSelected(value map[string]any, items, options []LookupItem) bool {
	option, ok := allOption(options)
	if !ok || len(value) != len(items) {
		return false
	}
	for _, selected := range value {
		if selected != option.ID {
			return false
		}
	}
	return true
}

// SelectItem returns a copy of value with item set to option.
func SelectItem(value map[string]any, itemID, optionID string) map[string]any {
	out := make(map[string]any, len(value)+1)
	for key, selected := range value {
		out[key] = selected
	}
	out[itemID] = optionID
	return out
}

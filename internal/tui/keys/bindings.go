package keys

import (
	"sort"

	"github.com/gdamore/tcell/v2"
)

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Label       string
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Hint is a rendered key hint.
type Hint struct {
	Key         string
	Description string
}

// Registry holds keybindings organized by page. Page bindings shadow
// global ones with the same key.
type Registry struct {
	global []*Action
	pages  map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Action)}
}

// AddGlobal registers a binding active on every page.
func (r *Registry) AddGlobal(action *Action) {
	r.global = append(r.global, action)
}

// AddPage registers a binding active on one page.
func (r *Registry) AddPage(page string, action *Action) {
	r.pages[page] = append(r.pages[page], action)
}

// Hints returns the visible bindings of page, page bindings first, each
// group in registration order.
func (r *Registry) Hints(page string) []Hint {
	var hints []Hint
	seen := make(map[string]bool)
	for _, group := range [][]*Action{r.pages[page], r.global} {
		for _, a := range group {
			if !a.Visible || seen[a.Label] {
				continue
			}
			seen[a.Label] = true
			hints = append(hints, Hint{Key: a.Label, Description: a.Description})
		}
	}
	return hints
}

// PageHints returns the visible bindings registered for page only.
func (r *Registry) PageHints(page string) []Hint {
	var hints []Hint
	seen := make(map[string]bool)
	for _, a := range r.pages[page] {
		if !a.Visible || seen[a.Label] {
			continue
		}
		seen[a.Label] = true
		hints = append(hints, Hint{Key: a.Label, Description: a.Description})
	}
	return hints
}

// Pages returns the names of pages with their own bindings, sorted.
func (r *Registry) Pages() []string {
	names := make([]string, 0, len(r.pages))
	for name := range r.pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleEvent dispatches a key event to the matching action of page.
// Returns true if a handler matched.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, group := range [][]*Action{r.pages[page], r.global} {
		for _, a := range group {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}

package ui

import (
	"slices"

	"github.com/rivo/tview"
)

// Pages is a stack of tview pages. Only the top page is visible and the
// root page is never popped.
type Pages struct {
	*tview.Pages
	stack    []string
	onChange func(top string)
}

// NewPages creates an empty page stack.
func NewPages() *Pages {
	return &Pages{Pages: tview.NewPages()}
}

// SetOnChange sets a callback that fires with the new top page.
func (p *Pages) SetOnChange(fn func(top string)) {
	p.onChange = fn
}

// Push shows name on top. A page already on the stack is returned to by
// unwinding, so the stack never holds a page twice.
func (p *Pages) Push(name string) {
	if i := slices.Index(p.stack, name); i >= 0 {
		p.unwind(i + 1)
		return
	}
	p.stack = append(p.stack, name)
	p.show()
}

// Pop removes the top page. It returns the popped page, or "" when only
// the root is left.
func (p *Pages) Pop() string {
	if len(p.stack) <= 1 {
		return ""
	}
	top := p.Current()
	p.unwind(len(p.stack) - 1)
	return top
}

// Reset makes name the only page on the stack.
func (p *Pages) Reset(name string) {
	p.stack = append(p.stack[:0], name)
	p.show()
}

// Current returns the top page.
func (p *Pages) Current() string {
	if len(p.stack) == 0 {
		return ""
	}
	return p.stack[len(p.stack)-1]
}

// Depth returns the number of pages on the stack.
func (p *Pages) Depth() int { return len(p.stack) }

func (p *Pages) unwind(depth int) {
	if depth == len(p.stack) {
		return
	}
	p.stack = p.stack[:depth]
	p.show()
}

func (p *Pages) show() {
	top := p.Current()
	p.SwitchToPage(top)
	if p.onChange != nil {
		p.onChange(top)
	}
}

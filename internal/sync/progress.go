package sync

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// progress writes the human readable per-dependency console lines
type progress struct {
	out   io.Writer
	ok    *color.Color
	warn  *color.Color
	bad   *color.Color
	title *color.Color
}

func newProgress(out io.Writer) *progress {
	if out == nil {
		out = io.Discard
	}
	return &progress{
		out:   out,
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		title: color.New(color.Bold),
	}
}

func (p *progress) header(installation string) {
	_, _ = p.title.Fprintf(p.out, "Checking dependencies of %s\n", installation)
}

func (p *progress) checking(name string) {
	_, _ = fmt.Fprintf(p.out, "Checking %s...", name)
}

func (p *progress) upToDate() {
	_, _ = fmt.Fprintln(p.out, "Already exists")
}

func (p *progress) updateAvailable() {
	_, _ = p.warn.Fprintln(p.out, "update available")
}

func (p *progress) downloading() {
	_, _ = fmt.Fprint(p.out, "downloading...")
}

func (p *progress) installed() {
	_, _ = p.ok.Fprintln(p.out, "installed")
}

func (p *progress) failed(err error) {
	_, _ = p.bad.Fprintf(p.out, "failed: %v\n", err)
}

func (p *progress) done() {
	_, _ = fmt.Fprintln(p.out, "Dependencies done")
}

package main

import (
	"fmt"
	"os"
	"strings"
)

const barWidth = 30

// progressBar renders segment progress on stderr.
type progressBar struct {
	total int
	done  int
	drawn bool
}

func (p *progressBar) setTotal(total int) {
	p.total = total
	p.draw()
}

func (p *progressBar) advance() {
	p.done++
	p.draw()
}

func (p *progressBar) draw() {
	if p.total == 0 {
		return
	}
	filled := p.done * barWidth / p.total
	fmt.Fprintf(os.Stderr, "\r[%s%s] %d/%d (%.1f%%)",
		strings.Repeat("█", filled), strings.Repeat("░", barWidth-filled),
		p.done, p.total, float64(p.done)*100/float64(p.total))
	p.drawn = true
}

func (p *progressBar) finish() {
	if p.drawn {
		fmt.Fprintln(os.Stderr)
	}
}

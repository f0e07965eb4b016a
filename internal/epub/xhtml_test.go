package epub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandSelfClosing(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"anchor", `<p><a id="p1"/>After</p>`, `<p><a id="p1"></a>After</p>`},
		{"anchor with space", `<a id="p1" />x`, `<a id="p1"></a>x`},
		{"title", `<head><title/></head>`, `<head><title></title></head>`},
		{"script switches out of raw text", `<script src="a.js"/><p>x</p>`, `<script src="a.js"></script><p>x</p>`},
		{"div", `<div class="sep"/><p>x</p>`, `<div class="sep"></div><p>x</p>`},
		{"prefixed name keeps case", `<svg:linearGradient id="g"/>`, `<svg:linearGradient id="g"></svg:linearGradient>`},
		{"void elements untouched", `<p>a<br/>b<img src="x.png" alt=""/></p>`, `<p>a<br/>b<img src="x.png" alt=""/></p>`},
		{"text and comments untouched", "<p>a &amp; b <!-- <x/> --></p>\n", "<p>a &amp; b <!-- <x/> --></p>\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(expandSelfClosing([]byte(tt.in))))
		})
	}
}

func TestIsXHTML(t *testing.T) {
	assert.True(t, isXHTML("application/xhtml+xml", ""))
	assert.True(t, isXHTML("text/html", `<?xml version="1.0"?>`))
	assert.False(t, isXHTML("text/html", ""))
}

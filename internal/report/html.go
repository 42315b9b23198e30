// Copyright 2018 Rob Marissen.
// SPDX-License-Identifier: MIT

package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// mdEscape escapes characters that have a meaning inside a table cell
func mdEscape(s string) string {
	r := strings.NewReplacer("|", `\|`, "*", `\*`, "_", `\_`, "\n", " ")
	return r.Replace(s)
}

// Markdown renders the report as markdown
func Markdown(r *Run) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", mdEscape(r.Name))
	fmt.Fprintf(&b, "Generated by %s on %s", r.programName(), r.generated())
	if r.RunID != "" {
		fmt.Fprintf(&b, ", run `%s`", r.RunID)
	}
	b.WriteString("\n\n")

	if len(r.Settings) > 0 {
		b.WriteString("## Parameters\n\n| parameter | key | value |\n|---|---|---|\n")
		for _, s := range r.Settings {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", mdEscape(s.Name), s.Key, mdEscape(s.Value))
		}
		b.WriteString("\n")
	}

	if len(r.Calibrants) > 0 {
		b.WriteString("## CCS calibration\n\n| m/z | drift time (ms) | remark |\n|---:|---:|---|\n")
		for _, c := range r.Calibrants {
			fmt.Fprintf(&b, "| %.4f | %.2f | %s |\n", c.Mass, c.DriftTime, mdEscape(c.Warning))
		}
		for _, c := range r.Skipped {
			fmt.Fprintf(&b, "| %.4f | | skipped: %s |\n", c.Mass, mdEscape(c.Warning))
		}
		b.WriteString("\n")
	}

	if c := r.Curve; c != nil {
		if c.Failed {
			b.WriteString("**The calibration curve fit did not converge.**\n\n")
		} else {
			b.WriteString("corrected ccs = A · ((corrected drift time) + t0)<sup>B</sup>\n\n")
			fmt.Fprintf(&b, "| A | t0 | B |\n|---:|---:|---:|\n| %g | %g | %g |\n\n", c.A, c.T0, c.B)
			b.WriteString("| m/z | lit ccs (Å²) | calc ccs (Å²) | residual (Å²) | residual (%) |\n|---:|---:|---:|---:|---:|\n")
			for _, res := range r.Residuals {
				fmt.Fprintf(&b, "| %.4f | %.3f | %.3f | %.3f | %.3f |\n",
					res.Mass, res.Lit, res.Calc, res.Diff, res.Percent)
			}
			b.WriteString("\n")
		}
	}
	if r.Summary != nil {
		fmt.Fprintf(&b, "Residuals: mean abs %.3f %%, median abs %.3f %%, max abs %.3f %%\n\n",
			r.Summary.MeanAbsPercent, r.Summary.MedianAbsPercent, r.Summary.MaxAbsPercent)
	}
	if r.FigureFile != "" {
		fmt.Fprintf(&b, "![calibration curve](%s)\n\n", filepath.Base(r.FigureFile))
	}

	if len(r.Compounds) > 0 {
		b.WriteString("## Compounds\n\n| data file | m/z | drift time (ms) | ccs (Å²) | remark |\n|---|---:|---:|---:|---|\n")
		for _, c := range r.Compounds {
			if !c.OK() {
				fmt.Fprintf(&b, "| %s | %.4f | | | %s |\n", mdEscape(c.File), c.Mass, mdEscape(c.Err.Error()))
				continue
			}
			fmt.Fprintf(&b, "| %s | %.4f | %.3f | %.3f | %s |\n",
				mdEscape(c.File), c.Mass, c.DriftTime, c.CCS, mdEscape(c.Warning))
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

// WriteHTML writes the report as a complete html page
func WriteHTML(w io.Writer, r *Run) error {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := html.NewRenderer(html.RendererOptions{
		Title: r.Name,
		Flags: html.CommonFlags | html.CompletePage,
	})
	_, err := w.Write(markdown.ToHTML(Markdown(r), p, renderer))
	return err
}

// WriteHTMLFile writes the html report to the named file
func WriteHTMLFile(name string, r *Run) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := WriteHTML(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Package display handles CLI table and JSON output for models, plans, placements and jobs.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/olekukonko/tablewriter"

	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/plan"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

var (
	systemTpl     *template.Template
	descriptorTpl *template.Template
	planTpl       *template.Template
	jobTpl        *template.Template
)

func init() {
	systemTpl = template.Must(template.New("system").Parse(
		`
=== System Specifications ===
CPU: {{.CPUName}} ({{.CPUCores}} cores)
Total RAM: {{.TotalRAM}}
Available RAM: {{.AvailableRAM}}
Backend: {{.Backend}}
{{.AcceleratorBlock}}
{{.Note}}

`))
	descriptorTpl = template.Must(template.New("descriptor").Parse(
		`
=== {{.Name}} ===

Source: {{.Source}}
Family: {{.Family}} ({{.Kind}})
Matched Rule: {{.Rule}}
Model Type: {{.ModelType}}
Architectures: {{.Architectures}}
Parameters: {{.Params}}
Layers: {{.Layers}}  Hidden: {{.Hidden}}  Vocab: {{.Vocab}}
Vision Tower: {{.Vision}}
Tied Embeddings: {{.Tied}}
Max Context: {{.Context}} tokens

`))
	planTpl = template.Must(template.New("plan").Parse(
		`
=== Quantization Plan ===
Quant Type: {{.Quant}}
Compute DType: {{.Compute}}
Double Quant: {{.Double}}
Block Size: {{.Block}}
Context Length: {{.Context}} tokens
Bits per Weight: {{.BPW}}
Skip Modules: {{.Skip}}

=== Placement ===
Mode: {{.Mode}}
Status: {{.Fit}}
Memory: {{.Estimated}} needed, {{.Budget}} accelerator budget ({{.Util}})
Accelerator: {{.Accel}}  Host: {{.Host}}
{{if .Notes}}
Notes:
{{.Notes}}
{{end}}
`))
	jobTpl = template.Must(template.New("job").Parse(
		`
=== Job {{.ID}} ===
State: {{.State}}
Progress: {{.Progress}}
{{if .Artifact}}Artifact: {{.Artifact}}
{{end}}{{if .Error}}Error: {{.Error}}
Hint: {{.Hint}}
{{end}}
`))
}

func writeJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// System prints system specs to out (table or JSON).
func System(out io.Writer, sys *hardware.System, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"system": sys})
		return
	}
	note := "No accelerator available: conversion runs on the CPU (slow for large models)."
	if p := sys.Primary(); p != nil {
		dtype := "float16"
		if p.BF16 {
			dtype = "bfloat16"
		}
		note = fmt.Sprintf("%s available: compute dtype %s", p.Backend, dtype)
	}
	data := struct {
		CPUName, Backend, AcceleratorBlock, Note string
		CPUCores                                  int
		TotalRAM, AvailableRAM                    string
	}{
		CPUName:          sys.CPUName,
		CPUCores:         sys.CPUCores,
		TotalRAM:         GB(sys.HostTotalBytes),
		AvailableRAM:     GB(sys.HostAvailableBytes),
		Backend:          sys.Backend.String(),
		AcceleratorBlock: acceleratorBlock(sys),
		Note:             note,
	}
	_ = systemTpl.Execute(out, data)
}

func acceleratorBlock(sys *hardware.System) string {
	if len(sys.Accelerators) == 0 {
		return "GPU: Not detected"
	}
	var lines []string
	for i, a := range sys.Accelerators {
		prefix := "GPU: "
		if len(sys.Accelerators) > 1 {
			prefix = fmt.Sprintf("GPU %d: ", i+1)
		}
		var line string
		switch {
		case a.Unified:
			line = fmt.Sprintf("%s%s (unified memory, %s shared, %s)", prefix, a.Name, GB(a.TotalBytes), a.Backend)
		case a.TotalBytes > 0 && a.FreeBytes > 0:
			line = fmt.Sprintf("%s%s (%s VRAM, %s free, %s)", prefix, a.Name, GB(a.TotalBytes), GB(a.FreeBytes), a.Backend)
		case a.TotalBytes > 0:
			line = fmt.Sprintf("%s%s (%s VRAM, %s)", prefix, a.Name, GB(a.TotalBytes), a.Backend)
		default:
			line = fmt.Sprintf("%s%s (VRAM unknown, %s)", prefix, a.Name, a.Backend)
		}
		if a.ComputeCap != "" {
			line += ", compute " + a.ComputeCap
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Descriptor prints what the resolver found.
func Descriptor(out io.Writer, d *models.Descriptor, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"descriptor": d})
		return
	}
	rule := d.MatchedRule
	if rule == "" {
		rule = "none"
	}
	archs := strings.Join(d.Architectures, ", ")
	if archs == "" {
		archs = "-"
	}
	vision := "no"
	if d.SupportsVision {
		vision = "yes"
		if d.VisionParams > 0 {
			vision += " (" + models.FormatParamCount(d.VisionParams) + " params)"
		}
	}
	data := struct {
		Name, Source, Family, Kind, Rule, ModelType, Architectures, Params, Vision string
		Layers, Hidden, Vocab, Context                                            int
		Tied                                                                      bool
	}{
		Name:          d.RepoName(),
		Source:        d.SourceURI,
		Family:        d.Family.String(),
		Kind:          d.Kind.String(),
		Rule:          rule,
		ModelType:     d.ModelType,
		Architectures: archs,
		Params:        models.FormatParamCount(d.ParameterCount),
		Vision:        vision,
		Layers:        d.NumLayers,
		Hidden:        d.HiddenSize,
		Vocab:         d.VocabSize,
		Context:       d.MaxContextTokens,
		Tied:          d.TieWordEmbeddings,
	}
	_ = descriptorTpl.Execute(out, data)
}

// Plan prints a quantization config and the placement chosen for it.
func Plan(out io.Writer, d *models.Descriptor, cfg *plan.Config, p *placement.Profile, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"descriptor": d, "config": cfg, "profile": p})
		return
	}
	data := struct {
		Quant, Compute, Skip, BPW, Mode, Fit, Estimated, Budget, Util, Accel, Host, Notes string
		Double                                                                           bool
		Block, Context                                                                   int
	}{
		Quant:     strings.ToUpper(cfg.QuantType.String()),
		Compute:   cfg.ComputeDType.String(),
		Double:    cfg.DoubleQuant,
		Block:     cfg.BlockSize,
		Context:   cfg.ContextLength,
		BPW:       fmt.Sprintf("%.3f", cfg.BitsPerWeight()),
		Skip:      strings.Join(cfg.SkipModules, ", "),
		Mode:      p.Mode.String(),
		Fit:       p.Fit.Emoji() + " " + p.Fit.String(),
		Estimated: GB(uint64(p.EstimatedBytes)),
		Budget:    GB(uint64(max(p.MemoryBudgetBytes, 0))),
		Util:      fmt.Sprintf("%.1f%%", p.UtilizationPct),
		Accel:     GB(uint64(p.AcceleratorBytes)),
		Host:      GB(uint64(p.HostBytes)),
	}
	if len(p.Notes) > 0 {
		data.Notes = "  " + strings.Join(p.Notes, "\n  ")
	}
	_ = planTpl.Execute(out, data)

	tbl := tablewriter.NewWriter(out)
	tbl.Header("Layer", "Tier", "Size")
	for _, pl := range p.Placements {
		_ = tbl.Append([]string{pl.Layer, pl.Tier.String(), MB(pl.Bytes)})
	}
	_ = tbl.Render()
}

// Catalog prints the curated model list, grouped.
func Catalog(out io.Writer, entries []models.CatalogEntry, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"models": entries})
		return
	}
	fmt.Fprintln(out, "\n=== Curated Models ===")
	fmt.Fprintf(out, "Total models: %d\n\n", len(entries))
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Group", "Name", "Repository", "Size", "Description")
	for _, e := range entries {
		_ = tbl.Append([]string{e.Group, e.Name, e.Repo, e.Params, e.Description})
	}
	_ = tbl.Render()
}

type familyRow struct {
	Family         models.Family      `json:"family"`
	Kind           models.Kind        `json:"kind"`
	SupportedQuant []models.QuantType `json:"supported_quant"`
	SkipModules    []string           `json:"skip_modules"`
	DefaultContext int                `json:"default_context"`
}

// Families prints every architecture family with its policy.
func Families(out io.Writer, useJSON bool) {
	rows := make([]familyRow, 0, len(models.Families))
	for _, f := range models.Families {
		p := f.Policy()
		rows = append(rows, familyRow{
			Family: f, Kind: p.Kind, SupportedQuant: p.SupportedQuant,
			SkipModules: p.SkipModules, DefaultContext: p.DefaultContext,
		})
	}
	if useJSON {
		writeJSON(out, map[string]any{"families": rows})
		return
	}
	fmt.Fprintln(out, "\n=== Architecture Families ===")
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Family", "Kind", "Quant", "Full precision", "Context")
	for _, r := range rows {
		quants := make([]string, len(r.SupportedQuant))
		for i, q := range r.SupportedQuant {
			quants[i] = strings.ToUpper(q.String())
		}
		skip := strings.Join(r.SkipModules, ", ")
		if skip == "" {
			skip = "-"
		}
		_ = tbl.Append([]string{r.Family.String(), r.Kind.String(), strings.Join(quants, "/"), skip, fmt.Sprintf("%dk", r.DefaultContext/1024)})
	}
	_ = tbl.Render()
}

// Settings prints the saved settings record.
func Settings(out io.Writer, rec settings.Record, path string, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"path": path, "settings": rec})
		return
	}
	fmt.Fprintf(out, "\n=== Settings (%s) ===\n", path)
	tbl := tablewriter.NewWriter(out)
	tbl.Header("Key", "Value")
	model := rec.SourceURI
	if model == "" {
		model = "-"
	}
	for _, kv := range [][2]string{
		{"device_mode", rec.DeviceMode.String()},
		{"quant_type", rec.QuantType.String()},
		{"context_length", fmt.Sprintf("%d", rec.ContextLength)},
		{"output_directory", rec.OutputDirectory},
		{"source_uri", model},
	} {
		_ = tbl.Append(kv[:])
	}
	_ = tbl.Render()
}

// Job prints the outcome of a job.
func Job(out io.Writer, s job.Snapshot, useJSON bool) {
	if useJSON {
		writeJSON(out, map[string]any{"job": s})
		return
	}
	data := struct {
		ID, State, Progress, Artifact, Error, Hint string
	}{
		ID:       s.ID,
		State:    s.State.String(),
		Progress: fmt.Sprintf("%.0f%%", s.Progress*100),
		Error:    s.Error,
		Hint:     s.Hint,
	}
	if s.Artifact != nil {
		data.Artifact = fmt.Sprintf("%s (%d shards, %s)", s.Artifact.Dir, len(s.Artifact.Shards), GB(uint64(s.Artifact.Bytes)))
	}
	_ = jobTpl.Execute(out, data)
}

// GB formats a byte count in GiB.
func GB(n uint64) string {
	return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
}

// MB formats a byte count in MiB.
func MB(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}

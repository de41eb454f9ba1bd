/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"fmt"
	"io"
	"sort"
	"text/template"

	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/mailrouter/server"
)

const prettyTemplate = `
{{- Bold "version"}}: {{.Version}}
  {{Bold "started"}}: {{.StartedAt}}

{{WithPipeColor (Bold "pipe")}}: {{.PipePath}}
  {{Bold "state"}}: {{WithPipeColor (or .PipeState "unknown")}}
  {{Bold "reopens"}}: {{.PipeReopens}}

{{Bold "messages"}}:
  {{Bold "received"}}: {{.Received}}
  {{Bold "delivered"}}: {{WithOKColor .Delivered}}
  {{Bold "failed"}}: {{WithFailedColor .TotalFailed}}
    {{- range FailedReasons}}
    - {{.Reason}}: {{.Count}}
    {{- end}}
  {{Bold "persist errors"}}: {{WithFailedColor .PersistErrors}}
  {{Bold "last"}}: {{if .LastMessage}}{{.LastMessage}}{{else}}never{{end}}
  {{Bold "failed dir"}}: {{.FailedPath}}

{{Bold "environments"}}:
  {{- range .Environments}}
  - {{if .Enabled}}{{WithOKColor .Name}}{{else}}{{WithDisabledColor .Name}} (disabled){{end}} :{{.Port}}
    {{- range .Domains}}
    - {{.}}
    {{- end}}
  {{- end}}
`

type failedReason struct {
	Reason string
	Count  uint64
}

func templateFuncs(p termenv.Profile, status *server.Status) template.FuncMap {
	// Define some colors.
	okColor := p.Color("112")
	nokColor := p.Color("196")
	disabledColor := p.Color("244")

	colored := func(value interface{}, color termenv.Color) string {
		if p == termenv.Ascii {
			return fmt.Sprintf("%v", value)
		}
		s := termenv.String(fmt.Sprintf("%v", value))
		return s.Foreground(color).String()
	}

	// Subset of the helpers in termenv, so we have better control and can turn
	// of all formatting of the terminal supports ASCII only.
	return template.FuncMap{
		"Bold": func(values ...interface{}) string {
			if p == termenv.Ascii {
				// Do not do any bold, if terminal only supports ASCII.
				return values[0].(string)
			}
			s := termenv.String(values[0].(string))
			return s.Bold().String()
		},
		"WithPipeColor": func(values ...interface{}) string {
			if status.PipeState == "reading" {
				return colored(values[len(values)-1], okColor)
			}
			return colored(values[len(values)-1], nokColor)
		},
		"WithOKColor": func(values ...interface{}) string {
			return colored(values[len(values)-1], okColor)
		},
		"WithFailedColor": func(values ...interface{}) string {
			if fmt.Sprintf("%v", values[len(values)-1]) == "0" {
				return colored(values[len(values)-1], okColor)
			}
			return colored(values[len(values)-1], nokColor)
		},
		"WithDisabledColor": func(values ...interface{}) string {
			return colored(values[len(values)-1], disabledColor)
		},
		"FailedReasons": func() []failedReason {
			reasons := make([]failedReason, 0, len(status.Failed))
			for reason, count := range status.Failed {
				reasons = append(reasons, failedReason{reason, count})
			}
			sort.Slice(reasons, func(i, j int) bool {
				return reasons[i].Reason < reasons[j].Reason
			})
			return reasons
		},
	}
}

func outputPretty(w io.Writer, status *server.Status) error {
	return renderPretty(w, termenv.ColorProfile(), status)
}

func renderPretty(w io.Writer, p termenv.Profile, status *server.Status) error {
	// Load helpers and template.
	f := templateFuncs(p, status)
	tpl, err := template.New("tpl").Funcs(f).Parse(prettyTemplate)
	if err != nil {
		panic(err)
	}

	// Render.
	return tpl.Execute(w, status)
}

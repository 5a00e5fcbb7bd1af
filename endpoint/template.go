package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"net/http"
)

// HTMLTemplateRenderer executes Template with Values and writes the result as
// text/html. Output is buffered; nothing is written when execution fails.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	// Name selects a named template; empty executes Template itself.
	Name   string
	Values any
}

func (tr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if tr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}
	var buf bytes.Buffer
	var err error
	if tr.Name != "" {
		err = tr.Template.ExecuteTemplate(&buf, tr.Name, tr.Values)
	} else {
		err = tr.Template.Execute(&buf, tr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, "text/html; charset=utf-8")
	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err = io.Copy(w, &buf)
	return err
}

package service

import (
	"fmt"
	"io"
	"strings"
)

// Param declares one submission parameter. File parameters require an
// uploaded file rather than a string value.
type Param struct {
	Name     string
	Help     string
	Optional bool
	File     bool
}

// Schema is the declared submission parameter set a service accepts.
// It is validated before anything is enqueued, so a rejected submission
// never creates a job.
type Schema struct {
	Params []Param
}

// ValidationError reports a user-correctable submission problem.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("conveyor/service: parameter %q: %s", e.Param, e.Message)
}

// Validate checks the supplied values and uploads against the schema.
func (s Schema) Validate(values map[string]string, files map[string]io.Reader) error {
	for _, p := range s.Params {
		if p.File {
			if _, ok := files[p.Name]; !ok && !p.Optional {
				return &ValidationError{Param: p.Name, Message: "file upload required"}
			}
			continue
		}
		if strings.TrimSpace(values[p.Name]) == "" && !p.Optional {
			return &ValidationError{Param: p.Name, Message: "required parameter missing"}
		}
	}
	return nil
}

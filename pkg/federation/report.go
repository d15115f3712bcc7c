package federation

import (
	"fmt"
	"strings"
)

type CompositionErrorKind int

const (
	TypeConflict CompositionErrorKind = iota + 1
	MissingKeyField
	UnsatisfiedRequires
	InvalidProvides
	CircularExtension
)

func (k CompositionErrorKind) String() string {
	switch k {
	case TypeConflict:
		return "TypeConflict"
	case MissingKeyField:
		return "MissingKeyField"
	case UnsatisfiedRequires:
		return "UnsatisfiedRequires"
	case InvalidProvides:
		return "InvalidProvides"
	case CircularExtension:
		return "CircularExtension"
	default:
		return "UnknownCompositionError"
	}
}

// CompositionError is one violation found while merging service schemas.
type CompositionError struct {
	Kind      CompositionErrorKind
	Service   string
	TypeName  string
	FieldName string
	Message   string
}

func (e CompositionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	if e.Service != "" {
		fmt.Fprintf(&b, "service %q: ", e.Service)
	}
	if e.TypeName != "" {
		b.WriteString(e.TypeName)
		if e.FieldName != "" {
			b.WriteByte('.')
			b.WriteString(e.FieldName)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// CompositionReport collects every violation found during one composition run.
// Composition never stops at the first problem; the whole report is returned
// so schema authors see all conflicts at once.
type CompositionReport struct {
	Errors []CompositionError
}

func (r *CompositionReport) add(kind CompositionErrorKind, service, typeName, fieldName, format string, args ...interface{}) {
	r.Errors = append(r.Errors, CompositionError{
		Kind:      kind,
		Service:   service,
		TypeName:  typeName,
		FieldName: fieldName,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (r *CompositionReport) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *CompositionReport) Error() string {
	messages := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		messages = append(messages, e.Error())
	}
	return fmt.Sprintf("schema composition failed with %d error(s):\n\t%s", len(r.Errors), strings.Join(messages, "\n\t"))
}

// ByKind returns the subset of errors with the given kind, keeping order.
func (r *CompositionReport) ByKind(kind CompositionErrorKind) []CompositionError {
	var out []CompositionError
	for _, e := range r.Errors {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"

	"github.com/openfroyo/netfroyo/pkg/capture"
	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

// DocumentFormat is the source format of a desired-state document.
type DocumentFormat string

const (
	FormatYAML     DocumentFormat = "yaml"
	FormatJSON     DocumentFormat = "json"
	FormatCUE      DocumentFormat = "cue"
	FormatStarlark DocumentFormat = "starlark"
)

// FormatOf picks the document format from a file extension. Unknown
// extensions are read as YAML.
func FormatOf(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".cue":
		return FormatCUE
	case ".star", ".starlark":
		return FormatStarlark
	default:
		return FormatYAML
	}
}

// DocumentLoader reads desired-state documents in any supported format.
type DocumentLoader struct {
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator

	// Vars are predeclared in Starlark generators.
	Vars map[string]interface{}
}

// NewDocumentLoader creates a loader. Starlark generators run with the
// given timeout.
func NewDocumentLoader(starlarkTimeout time.Duration) *DocumentLoader {
	return &DocumentLoader{
		schemas:  NewSchemaRegistry(),
		starlark: NewStarlarkEvaluator(starlarkTimeout),
	}
}

// Load reads path, or standard input when path is "-".
func (l *DocumentLoader) Load(ctx context.Context, path string) (*state.Map, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errdefs.NewValueError(fmt.Sprintf("failed to read document %s", path), err)
	}
	return l.Decode(ctx, path, FormatOf(path), data)
}

// Decode parses data in the given format. name labels errors and is the
// Starlark file name.
func (l *DocumentLoader) Decode(ctx context.Context, name string, format DocumentFormat, data []byte) (*state.Map, error) {
	switch format {
	case FormatYAML, FormatJSON:
		return state.Decode(data)
	case FormatCUE:
		return l.decodeCUE(name, data)
	case FormatStarlark:
		return l.starlark.GenerateDocument(ctx, filepath.Base(name), string(data), l.Vars)
	default:
		return nil, errdefs.NewValueError(fmt.Sprintf("unsupported document format %q", format), nil)
	}
}

// decodeCUE evaluates a CUE document and exports it through JSON so the
// result goes through the same decoder as YAML documents.
func (l *DocumentLoader) decodeCUE(name string, data []byte) (*state.Map, error) {
	val := l.schemas.ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, errdefs.NewValueError("failed to evaluate CUE document", ValidationErrors(convertCUEErrors(err)))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, errdefs.NewValueError("CUE document is not concrete", ValidationErrors(convertCUEErrors(err)))
	}

	out, err := val.MarshalJSON()
	if err != nil {
		return nil, errdefs.NewValueError("failed to export CUE document", err)
	}
	return state.Decode(out)
}

// Validate checks a document against the document schema. Policy
// documents are checked for their capture section only, since their
// desired state may hold templates.
func (l *DocumentLoader) Validate(doc *state.Map) error {
	if capture.IsPolicy(doc) {
		_, err := capture.ParseDocument(doc)
		return err
	}

	data, err := state.EncodeJSON(doc)
	if err != nil {
		return errdefs.NewValueError("failed to encode document", err)
	}

	val := l.schemas.ctx.CompileBytes(data, cue.Filename("document.json"))
	if err := val.Err(); err != nil {
		return errdefs.NewValueError("failed to encode document", err)
	}
	if _, err := l.schemas.Unify(SchemaDocument, val); err != nil {
		return errdefs.NewValueError("document does not match the schema", ValidationErrors(convertCUEErrors(err)))
	}
	return nil
}

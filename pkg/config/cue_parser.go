package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser loads the application configuration from CUE files.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		schemaRegistry: NewSchemaRegistry(),
		validator:      newValidator(),
	}
}

// newValidator returns a validator that knows the duration tag and reports
// JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Load parses the given sources on top of DefaultConfig and returns the
// configuration, or ValidationErrors.
func (cp *CUEParser) Load(ctx context.Context, sources ...string) (*Config, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, ValidationErrors(parsed.Errors)
	}
	return parsed.Config, nil
}

// Parse parses CUE configuration from files or directories of .cue files.
// All sources are unified into one value.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		files, err := cueFiles(source)
		if err != nil {
			return nil, err
		}

		for _, file := range files {
			val, errs := cp.loadFile(file)
			sourceFiles = append(sourceFiles, file)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
				continue
			}
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return parsed, nil
	}
	if !cueValue.Exists() {
		parsed.Errors = []ValidationError{{Message: "no CUE files found", Severity: "error"}}
		return parsed, nil
	}

	cp.extractConfig(parsed, cueValue)
	return parsed, nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := cp.schemaRegistry.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed, nil
	}

	cp.extractConfig(parsed, val)
	return parsed, nil
}

// cueFiles expands a source into the .cue files it names, sorted.
func cueFiles(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}
	if !info.IsDir() {
		return []string{source}, nil
	}

	var files []string
	err = filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.schemaRegistry.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig checks val against the config schema, decodes it over the
// defaults and runs struct validation. Problems land in parsed.Errors.
func (cp *CUEParser) extractConfig(parsed *ParsedConfig, val cue.Value) {
	unified, err := cp.schemaRegistry.Unify(SchemaConfig, val)
	if err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to export configuration: %v", err),
			Severity: "error",
		})
		return
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode configuration: %v", err),
			Severity: "error",
		})
		return
	}

	if errs := cp.validate(cfg); len(errs) > 0 {
		parsed.Errors = append(parsed.Errors, errs...)
		return
	}

	parsed.Config = cfg
}

// Validate runs struct validation on cfg.
func (cp *CUEParser) Validate(cfg *Config) error {
	if errs := cp.validate(cfg); len(errs) > 0 {
		return ValidationErrors(errs)
	}
	return nil
}

func (cp *CUEParser) validate(cfg *Config) []ValidationError {
	err := cp.validator.Struct(cfg)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")
		out = append(out, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf("failed on %q constraint (value %v)", fe.Tag(), fe.Value()),
			Severity: "error",
		})
	}
	return out
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON renders cfg as indented JSON, the form `netfroyo config`
// prints.
func ExportJSON(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
